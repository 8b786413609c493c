package main

import (
    "context"
    "fmt"
    "os"

    "github.com/fatih/color"
    "github.com/olekukonko/tablewriter"
    "github.com/spf13/cobra"
)

var (
    green  = color.New(color.FgGreen).SprintFunc()
    red    = color.New(color.FgRed).SprintFunc()
    yellow = color.New(color.FgYellow).SprintFunc()
    bold   = color.New(color.Bold).SprintFunc()
)

func createQueueCommands() *cobra.Command {
    queueCmd := &cobra.Command{
        Use:   "queue",
        Short: "Inspect the durable call queue",
    }
    queueCmd.AddCommand(createQueueStatsCommand())
    return queueCmd
}

func createQueueStatsCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "stats",
        Short: "Show queued work per user",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            users, err := queueStore.UsersWithQueuedWork(ctx)
            if err != nil {
                return fmt.Errorf("failed to list queued work: %v", err)
            }

            if len(users) == 0 {
                fmt.Println(green("No queued work."))
                return nil
            }

            fmt.Printf("\n%s\n", bold("Queued Work By User"))
            for _, u := range users {
                fmt.Printf("  %s\n", u)
            }
            return nil
        },
    }
}

func createSlotsCommands() *cobra.Command {
    slotsCmd := &cobra.Command{
        Use:   "slots",
        Short: "Inspect concurrency slot usage",
    }
    slotsCmd.AddCommand(createSlotsListCommand())
    return slotsCmd
}

func createSlotsListCommand() *cobra.Command {
    var userID string

    cmd := &cobra.Command{
        Use:   "list",
        Short: "Show held concurrency slots for a user",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }
            if userID == "" {
                return fmt.Errorf("--user is required")
            }

            userCount, globalCount, err := admissionCtl.SlotCounts(ctx, userID)
            if err != nil {
                return fmt.Errorf("failed to read slot counts: %v", err)
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Scope", "Held"})
            table.SetBorder(false)
            table.Append([]string{userID, fmt.Sprintf("%d", userCount)})
            table.Append([]string{"system-wide", fmt.Sprintf("%d", globalCount)})
            table.Render()
            return nil
        },
    }
    cmd.Flags().StringVar(&userID, "user", "", "User id to inspect")
    return cmd
}

func createReaperCommands() *cobra.Command {
    reaperCmd := &cobra.Command{
        Use:   "reaper",
        Short: "Operate the stale-slot reaper",
    }
    reaperCmd.AddCommand(createReaperRunOnceCommand())
    return reaperCmd
}

func createReaperRunOnceCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "run-once",
        Short: "Run a single reaper sweep and report how many stale slots were released",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }

            released, err := reaperSvc.RunOnce(ctx)
            if err != nil {
                return fmt.Errorf("reaper sweep failed: %v", err)
            }

            fmt.Printf("%s Released %s stale slot(s)\n", green("✓"), yellow(fmt.Sprintf("%d", released)))
            return nil
        },
    }
}

func createLedgerCommands() *cobra.Command {
    ledgerCmd := &cobra.Command{
        Use:   "ledger",
        Short: "Inspect and verify the credit ledger",
    }
    ledgerCmd.AddCommand(createLedgerVerifyCommand())
    return ledgerCmd
}

func createLedgerVerifyCommand() *cobra.Command {
    var userID string

    cmd := &cobra.Command{
        Use:   "verify",
        Short: "Compare a user's materialized balance against the sum of their ledger entries",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }
            if userID == "" {
                return fmt.Errorf("--user is required")
            }

            materialized, computed, drift, err := creditLedger.Verify(ctx, userID)
            if err != nil {
                return fmt.Errorf("ledger verification failed: %v", err)
            }

            fmt.Printf("\n%s\n", bold("Ledger Verification"))
            fmt.Printf("Materialized balance: %d\n", materialized)
            fmt.Printf("Computed from log:    %d\n", computed)
            if drift {
                fmt.Printf("%s balance and ledger log disagree\n", red("DRIFT:"))
                os.Exit(1)
            }
            fmt.Printf("%s balance matches ledger log\n", green("OK:"))
            return nil
        },
    }
    cmd.Flags().StringVar(&userID, "user", "", "User id to verify")
    return cmd
}
