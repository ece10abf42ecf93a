package cmd

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/muxworks/muxd/internal/config"
	"github.com/muxworks/muxd/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("muxd doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Providers:")
	if len(cfg.Providers) == 0 {
		fmt.Println("    NONE — set MUXD_ANTHROPIC_API_KEY or add a providers block")
	}
	for name, p := range cfg.Providers {
		status := "no API key"
		if p != nil && p.APIKey != "" {
			status = "key set"
		}
		fmt.Printf("    %-12s %s\n", name+":", status)
	}

	fmt.Println()
	storage := config.ExpandHome(cfg.Sessions.Storage)
	fmt.Printf("  Sessions: %s", storage)
	if fi, err := os.Stat(storage); err != nil {
		fmt.Println(" (will be created)")
	} else if !fi.IsDir() {
		fmt.Println(" (NOT A DIRECTORY)")
	} else {
		fmt.Println(" (OK)")
	}

	statsPath := config.ExpandHome(cfg.Stats.DBPath)
	if statsPath == "" {
		statsPath = config.ExpandHome("~/.muxd/stats.db")
	}
	fmt.Printf("  Stats DB: %s", statsPath)
	if _, err := os.Stat(statsPath); err != nil {
		fmt.Println(" (will be created)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Print("  Git:      ")
	if path, err := exec.LookPath("git"); err != nil {
		fmt.Println("NOT FOUND — task worktrees and patch artifacts unavailable")
	} else {
		fmt.Printf("%s (OK)\n", path)
	}

	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	fmt.Printf("  Gateway:  %s ", addr)
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		fmt.Println("(not running)")
	} else {
		conn.Close()
		fmt.Println("(LISTENING — daemon appears to be up)")
	}

	if cfg.Gateway.Token == "" {
		fmt.Println()
		fmt.Println("  Note: gateway token is empty; any local process can connect.")
	}
}
