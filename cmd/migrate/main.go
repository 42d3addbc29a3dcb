package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"

	"careportal/internal/domain"
	"careportal/internal/repository"
)

const usage = "Usage: go run ./cmd/migrate [up|drop|set-role <user-id> <patient|doctor|admin>]"

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found")
	}

	// Get database URL
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is not set")
	}

	// Get command
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	command := os.Args[1]

	// Connect to database
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer conn.Close(ctx)

	switch command {
	case "drop":
		if err := dropTables(ctx, conn); err != nil {
			log.Fatalf("Failed to drop tables: %v", err)
		}
		fmt.Println("✅ Profiles schema dropped successfully")

	case "up":
		if err := createTables(ctx, conn); err != nil {
			log.Fatalf("Failed to create tables: %v", err)
		}
		fmt.Println("✅ Profiles schema created successfully")

	case "set-role":
		if len(os.Args) != 4 {
			fmt.Println(usage)
			os.Exit(1)
		}
		role, ok := domain.ParseRole(os.Args[3])
		if !ok {
			log.Fatalf("Unknown role %q", os.Args[3])
		}
		if err := repository.NewProfileRepository(conn).SetRole(ctx, os.Args[2], role); err != nil {
			log.Fatalf("Failed to set role: %v", err)
		}
		fmt.Printf("✅ %s is now %s\n", os.Args[2], role)

	default:
		fmt.Printf("Unknown command: %s\n", command)
		fmt.Println(usage)
		os.Exit(1)
	}
}

func dropTables(ctx context.Context, conn *pgx.Conn) error {
	queries := []string{
		`DROP TRIGGER IF EXISTS on_auth_user_created ON auth.users`,
		`DROP FUNCTION IF EXISTS public.handle_new_user()`,
		`DROP TABLE IF EXISTS public.profiles CASCADE`,
	}

	for _, query := range queries {
		if _, err := conn.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
		fmt.Printf("  Dropped: %s\n", query)
	}

	return nil
}

func createTables(ctx context.Context, conn *pgx.Conn) error {
	queries := []string{
		// One profile per auth user. Readers treat a NULL role as patient.
		`CREATE TABLE IF NOT EXISTS public.profiles (
			id UUID PRIMARY KEY REFERENCES auth.users(id) ON DELETE CASCADE,
			full_name TEXT,
			role TEXT DEFAULT 'patient' CHECK (role IN ('patient', 'doctor', 'admin')),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`ALTER TABLE public.profiles ENABLE ROW LEVEL SECURITY`,

		`DROP POLICY IF EXISTS profiles_select_own ON public.profiles`,
		`CREATE POLICY profiles_select_own ON public.profiles
			FOR SELECT USING (auth.uid() = id)`,

		// Users may edit their name but never their role
		`DROP POLICY IF EXISTS profiles_update_own ON public.profiles`,
		`CREATE POLICY profiles_update_own ON public.profiles
			FOR UPDATE USING (auth.uid() = id)
			WITH CHECK (auth.uid() = id AND role IS NOT DISTINCT FROM (SELECT p.role FROM public.profiles p WHERE p.id = auth.uid()))`,

		// Materialize the profile from sign-up metadata. Only doctor may be
		// requested; admin is granted with set-role.
		`CREATE OR REPLACE FUNCTION public.handle_new_user()
		RETURNS trigger
		LANGUAGE plpgsql
		SECURITY DEFINER SET search_path = public
		AS $$
		BEGIN
			INSERT INTO public.profiles (id, full_name, role)
			VALUES (
				NEW.id,
				NULLIF(TRIM(COALESCE(
					NEW.raw_user_meta_data->>'full_name',
					CONCAT_WS(' ', NEW.raw_user_meta_data->>'first_name', NEW.raw_user_meta_data->>'last_name')
				)), ''),
				CASE WHEN LOWER(NEW.raw_user_meta_data->>'role') = 'doctor' THEN 'doctor' ELSE 'patient' END
			)
			ON CONFLICT (id) DO NOTHING;
			RETURN NEW;
		END;
		$$`,

		`DROP TRIGGER IF EXISTS on_auth_user_created ON auth.users`,
		`CREATE TRIGGER on_auth_user_created
			AFTER INSERT ON auth.users
			FOR EACH ROW EXECUTE FUNCTION public.handle_new_user()`,
	}

	for _, query := range queries {
		if _, err := conn.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	fmt.Println("  Created profiles table, policies and sign-up trigger")
	return nil
}
