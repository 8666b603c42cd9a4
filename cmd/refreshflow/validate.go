package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"refreshflow/internal/refresh"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and every stored schedule",
	Long: `Loads the configuration, opens the store and validates each schedule's
cron expression, time zone and notification targets. Exits non-zero when
anything is invalid.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cmd.Println("configuration ok")
	if !cfg.PowerBIConfigured() {
		cmd.Println("warning: powerbi credentials are not set, serve will refuse to start")
	}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	schedules, err := st.ListSchedules(cmd.Context())
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	orch := refresh.New(refreshOptions(cfg), st, st, nil, nil)
	invalid := 0
	for _, s := range schedules {
		if err := orch.ValidateSchedule(s); err != nil {
			invalid++
			cmd.Printf("%s (%s): %v\n", s.Name, s.ID, err)
		}
	}
	cmd.Printf("%d schedules checked, %d invalid\n", len(schedules), invalid)
	if invalid > 0 {
		return fmt.Errorf("%d invalid schedules", invalid)
	}
	return nil
}
