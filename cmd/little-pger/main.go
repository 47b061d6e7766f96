// Command little-pger is a small console for running statements built by the
// littlepger package against a live PostgreSQL database. Every invocation
// runs inside a session that rolls back on exit unless --commit is given.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	littlepger "github.com/cjauvin/little-pger"
)

var (
	flagDSN     string
	flagEnvFile string
	flagCommit  bool
	flagWhere   []string
	flagDebug   bool
)

var rootCmd = &cobra.Command{
	Use:           "little-pger",
	Short:         "Run littlepger statements against a PostgreSQL database",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDSN, "dsn", "", "PostgreSQL DSN (defaults to $DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", "", "load environment variables from this .env file")
	rootCmd.PersistentFlags().BoolVar(&flagCommit, "commit", false, "commit on exit instead of rolling back")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "print each statement before executing it")

	countCmd.Flags().StringArrayVar(&flagWhere, "where", nil, "filter as column=value (repeatable)")
	existsCmd.Flags().StringArrayVar(&flagWhere, "where", nil, "filter as column=value (repeatable)")

	rootCmd.AddCommand(sqlCmd, countCmd, existsCmd, columnsCmd, pkeyCmd)
}

// withSession opens a session and hands it to fn, closing it afterwards.
func withSession(fn func(ctx context.Context, s *littlepger.Session) error) error {
	if flagEnvFile != "" {
		if err := godotenv.Load(flagEnvFile); err != nil {
			return fmt.Errorf("load %s: %w", flagEnvFile, err)
		}
	}
	dsn := flagDSN
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return fmt.Errorf("no DSN: pass --dsn or set DATABASE_URL")
	}
	ctx := context.Background()
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	var opts []littlepger.Option
	if flagCommit {
		opts = append(opts, littlepger.WithCommit())
	}
	s, err := littlepger.New(ctx, db, opts...)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

// parseWhere turns repeated column=value flags into an ordered filter list.
func parseWhere(pairs []string) (littlepger.Filters, error) {
	var fs littlepger.Filters
	for _, p := range pairs {
		col, val, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("bad --where %q, want column=value", p)
		}
		fs = append(fs, littlepger.Cond{Key: littlepger.Column(col), Value: parseValue(val)})
	}
	return fs, nil
}

// parseValue guesses the value type of a command-line filter operand.
func parseValue(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if s == "null" {
		return nil
	}
	return s
}

// printRows writes rows as JSON lines.
func printRows(rows []littlepger.Row) error {
	enc := json.NewEncoder(os.Stdout)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

var sqlCmd = &cobra.Command{
	Use:   "sql <statement> [arg...]",
	Short: "Execute raw SQL with $n placeholders",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *littlepger.Session) error {
			params := make([]any, len(args)-1)
			for i, a := range args[1:] {
				params[i] = parseValue(a)
			}
			rows, err := s.SQL(ctx, args[0], params...)
			if err != nil {
				return err
			}
			return printRows(rows)
		})
	},
}

var countCmd = &cobra.Command{
	Use:   "count <table>",
	Short: "Count matching rows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *littlepger.Session) error {
			where, err := parseWhere(flagWhere)
			if err != nil {
				return err
			}
			n, err := s.Count(ctx, args[0], littlepger.CountOptions{
				Where: where,
				Debug: littlepger.DebugOptions{Print: flagDebug},
			})
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		})
	},
}

var existsCmd = &cobra.Command{
	Use:   "exists <table>",
	Short: "Check whether at least one matching row exists",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *littlepger.Session) error {
			where, err := parseWhere(flagWhere)
			if err != nil {
				return err
			}
			ok, err := s.Exists(ctx, args[0], littlepger.ExistsOptions{
				Where: where,
				Debug: littlepger.DebugOptions{Print: flagDebug},
			})
			if err != nil {
				return err
			}
			fmt.Println(ok)
			return nil
		})
	},
}

var columnsCmd = &cobra.Command{
	Use:   "columns <table>",
	Short: "List the columns of a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *littlepger.Session) error {
			cols, err := s.Columns(ctx, args[0])
			if err != nil {
				return err
			}
			for _, c := range cols {
				fmt.Println(c)
			}
			return nil
		})
	},
}

var pkeyCmd = &cobra.Command{
	Use:   "pkey <table>",
	Short: "Show the primary-key column of a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *littlepger.Session) error {
			info, err := s.TableInfo(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Println(info.PKey)
			return nil
		})
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "little-pger:", err)
		os.Exit(1)
	}
}
