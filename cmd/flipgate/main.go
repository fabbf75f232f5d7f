package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alsk1992/flipgate/internal/config"
	"github.com/alsk1992/flipgate/internal/gateway"
	"github.com/alsk1992/flipgate/internal/session"
	"github.com/alsk1992/flipgate/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "flipgate",
	Short: "flipgate - multi-channel agent gateway",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the gateway (channels + batching + sessions)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directories",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show flipgate status",
	RunE:  runStatus,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List persisted sessions",
	RunE:  runSessions,
}

func init() {
	rootCmd.AddCommand(gatewayCmd, onboardCmd, statusCmd, sessionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to enable a channel\n", cfgPath)
	fmt.Println("  2. Or set FLIPGATE_TELEGRAM_TOKEN")
	fmt.Println("  3. Run 'flipgate gateway' to start")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Agent: %s\n", cfg.Agent.ID)
	fmt.Printf("Batching: mode=%s debounce=%dms maxBatch=%d maxWait=%dms\n",
		cfg.Batch.Mode, cfg.Batch.DebounceMs, cfg.Batch.MaxBatchSize, cfg.Batch.MaxWaitMs)
	fmt.Printf("Sessions: scope=%s reset=%s historyLimit=%d\n",
		cfg.Session.DMScope, cfg.Session.Reset.Mode, cfg.Session.HistoryLimit)
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("Store: %s\n", cfg.DBPath())

	st, err := store.OpenSQLite(cfg.DBPath())
	if err != nil {
		fmt.Printf("Sessions: store unavailable (%v)\n", err)
		return nil
	}
	defer st.Close()

	recs, err := st.List(context.Background())
	if err != nil {
		fmt.Printf("Sessions: list error (%v)\n", err)
		return nil
	}
	fmt.Printf("Sessions: %d persisted\n", len(recs))

	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.OpenSQLite(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer st.Close()

	recs, err := st.List(context.Background())
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(recs) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	for _, rec := range recs {
		s, err := session.Decode(rec)
		if err != nil {
			fmt.Printf("%s  (unreadable: %v)\n", rec.Key, err)
			continue
		}
		fmt.Printf("%s\n  id=%s turns=%d messages=%d updated=%s\n",
			s.Key, s.ID, len(s.History), s.MessageCount,
			s.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
