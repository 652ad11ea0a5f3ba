package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/msgmux/internal/config"
	"github.com/nextlevelbuilder/msgmux/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, storage and provider reachability",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("msgmux doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults + env apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Server:")
	fmt.Printf("    %-12s %s:%d\n", "Listen:", cfg.Server.Host, cfg.Server.Port)
	if cfg.Server.AdminToken != "" {
		fmt.Printf("    %-12s enabled\n", "Admin API:")
	} else {
		fmt.Printf("    %-12s disabled (no admin token)\n", "Admin API:")
	}

	fmt.Println()
	fmt.Println("  Storage:")
	fmt.Printf("    %-12s %s", "DB:", cfg.Storage.DBPath)
	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		fmt.Printf(" (OPEN FAILED: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
		printCounts(st)
		st.Close()
	}
	fmt.Printf("    %-12s %s\n", "Log:", cfg.Storage.LogPath)

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Telegram.Enabled, cfg.Telegram.BotToken != "")
	checkChannel("Discord", cfg.Discord.Enabled, cfg.Discord.BotToken != "")
	checkChannel("WhatsApp", cfg.WhatsApp.Enabled, cfg.WhatsApp.AuthDir != "")

	if (cfg.Telegram.Enabled && cfg.Telegram.BotToken != "") ||
		(cfg.Discord.Enabled && cfg.Discord.BotToken != "") {
		fmt.Println()
		fmt.Println("  Probes:")
		if cfg.Telegram.Enabled && cfg.Telegram.BotToken != "" {
			probeTelegram(cfg)
		}
		if cfg.Discord.Enabled && cfg.Discord.BotToken != "" {
			probeDiscord(cfg)
		}
	}

	fmt.Println()
	fmt.Println("  Seeds:")
	fmt.Printf("    %-12s %d\n", "Tenants:", len(cfg.Seed.Tenants))
	fmt.Printf("    %-12s %d\n", "Codes:", len(cfg.Seed.PairingCodes))

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func printCounts(st *store.Store) {
	counts, err := st.Counts()
	if err != nil {
		fmt.Printf("    %-12s (count failed: %s)\n", "Rows:", err)
		return
	}
	tables := make([]string, 0, len(counts))
	for t := range counts {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		fmt.Printf("    %-24s %d\n", t+":", counts[t])
	}
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

var probeClient = &http.Client{Timeout: 5 * time.Second}

// probeTelegram calls getMe. Errors are reported without detail because
// Bot API URLs embed the token.
func probeTelegram(cfg *config.Config) {
	url := fmt.Sprintf("%s/bot%s/getMe", cfg.Telegram.APIBase, cfg.Telegram.BotToken)
	resp, err := probeClient.Get(url)
	if err != nil {
		fmt.Printf("    %-12s FAILED (bot api unreachable)\n", "Telegram:")
		return
	}
	defer resp.Body.Close()
	var body struct {
		OK     bool `json:"ok"`
		Result struct {
			Username string `json:"username"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || !body.OK {
		fmt.Printf("    %-12s FAILED (status %d)\n", "Telegram:", resp.StatusCode)
		return
	}
	fmt.Printf("    %-12s getMe OK (@%s)\n", "Telegram:", body.Result.Username)
}

func probeDiscord(cfg *config.Config) {
	base := cfg.Discord.APIBase
	if base == "" {
		base = "https://discord.com/api/v10"
	}
	req, err := http.NewRequest(http.MethodGet, base+"/users/@me", nil)
	if err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", "Discord:", err)
		return
	}
	req.Header.Set("Authorization", "Bot "+cfg.Discord.BotToken)
	resp, err := probeClient.Do(req)
	if err != nil {
		fmt.Printf("    %-12s FAILED (api unreachable)\n", "Discord:")
		return
	}
	defer resp.Body.Close()
	var body struct {
		Username string `json:"username"`
	}
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&body) != nil {
		fmt.Printf("    %-12s FAILED (status %d)\n", "Discord:", resp.StatusCode)
		return
	}
	fmt.Printf("    %-12s @me OK (%s)\n", "Discord:", body.Username)
}
