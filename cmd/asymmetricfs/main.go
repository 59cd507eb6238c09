// asymmetricfs mounts a FUSE filesystem that transparently encrypts
// file contents to one or more GPG recipients on write and decrypts
// them on read, driving the system gpg binary as a subprocess.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dannysu/asymmetricfs/internal/cipher"
	"github.com/dannysu/asymmetricfs/internal/config"
	"github.com/dannysu/asymmetricfs/internal/fuseadapter"
	"github.com/dannysu/asymmetricfs/internal/mount"
	"github.com/dannysu/asymmetricfs/internal/recipient"
)

// reexecEnv marks a process as the re-exec'd background copy of
// itself, so it knows not to daemonize again.
const reexecEnv = "ASYMMETRICFS_FOREGROUND"

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		backing    string
		mountpoint string
		recipients []string
		secretKey  string
		configPath string
		gpgBinary  string
		gnupgHome  string
		allowOther bool
		foreground bool
	)

	flagSet := pflag.NewFlagSet("asymmetricfs", pflag.ContinueOnError)
	flagSet.StringVar(&backing, "backing", "", "backing directory holding encrypted files")
	flagSet.StringVar(&mountpoint, "mountpoint", "", "directory to mount the encrypting filesystem at")
	flagSet.StringArrayVar(&recipients, "recipient", nil, "GPG recipient to encrypt writes to (repeatable)")
	flagSet.StringVar(&secretKey, "secret-key", "", "GPG secret key fingerprint; presence enables read/write mode")
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file supplying any of the above")
	flagSet.StringVar(&gpgBinary, "gpg-binary", "", "path to the gpg binary (default: gpg, found via PATH)")
	flagSet.StringVar(&gnupgHome, "gnupg-home", "", "GNUPGHOME to run gpg with (default: gpg's own default)")
	flagSet.BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount (requires user_allow_other)")
	flagSet.BoolVar(&foreground, "foreground", false, "stay attached to the terminal instead of forking to the background")
	flagSet.BoolP("help", "h", false, "show help")

	// --version is handled before flag parsing, matching this
	// lineage's other CLI binaries.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println("asymmetricfs " + version)
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}

	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	if !foreground && os.Getenv(reexecEnv) == "" {
		return daemonize()
	}

	cfg := config.Default()
	if configPath != "" {
		fileCfg, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		cfg = fileCfg
	}

	mergeFlags(cfg, flagSet, backing, mountpoint, recipients, secretKey, gpgBinary, gnupgHome, allowOther)

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	parsedRecipients := make([]recipient.ID, 0, len(cfg.Recipients))
	for _, raw := range cfg.Recipients {
		id, err := recipient.Parse(raw)
		if err != nil {
			return fmt.Errorf("recipient %q: %w", raw, err)
		}
		parsedRecipients = append(parsedRecipients, id)
	}

	if err := os.MkdirAll(cfg.Mountpoint, 0o755); err != nil {
		return fmt.Errorf("creating mountpoint %s: %w", cfg.Mountpoint, err)
	}

	// Resolve gpg once, at startup, so a missing or misconfigured
	// binary fails the mount attempt immediately rather than surfacing
	// as an I/O error on the first file a caller touches.
	gpgPath, err := exec.LookPath(cfg.GPGBinary)
	if err != nil {
		return fmt.Errorf("resolving gpg binary %q: %w", cfg.GPGBinary, err)
	}

	m, err := mount.NewMount(mount.Options{
		BackingRoot: cfg.Backing,
		ReadEnabled: cfg.SecretKey != "",
		Recipients:  parsedRecipients,
		Cipher:      cipher.Tool{BinaryPath: gpgPath, GNUPGHome: cfg.GNUPGHome},
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	server, err := fuseadapter.Serve(fuseadapter.Options{
		Mountpoint: cfg.Mountpoint,
		Mount:      m,
		AllowOther: cfg.AllowOther,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		if err := server.Unmount(); err != nil {
			logger.Error("unmount failed", "mountpoint", cfg.Mountpoint, "error", err)
		}
		<-done
	case <-done:
	}

	return nil
}

// daemonize re-execs the current process detached from the
// controlling terminal, the way libfuse-based tools default to
// running unless given -f. Go has no fork(); re-exec with a detached
// session is the idiomatic stand-in. The child inherits argv and env
// plus reexecEnv, so its own run() skips this branch and mounts
// directly.
func daemonize() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own executable path: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), reexecEnv+"=1")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("forking to background: %w", err)
	}

	fmt.Printf("asymmetricfs started in background, pid %d\n", cmd.Process.Pid)
	return cmd.Process.Release()
}

// mergeFlags layers explicitly-set flags over the config file's
// values, field by field. An unset flag falls back to whatever the
// config file (or its own hardcoded default) already put in cfg.
func mergeFlags(cfg *config.Config, flagSet *pflag.FlagSet, backing, mountpoint string, recipients []string, secretKey, gpgBinary, gnupgHome string, allowOther bool) {
	if flagSet.Changed("backing") {
		cfg.Backing = backing
	}
	if flagSet.Changed("mountpoint") {
		cfg.Mountpoint = mountpoint
	}
	if flagSet.Changed("recipient") {
		cfg.Recipients = recipients
	}
	if flagSet.Changed("secret-key") {
		cfg.SecretKey = secretKey
	}
	if flagSet.Changed("gpg-binary") {
		cfg.GPGBinary = gpgBinary
	}
	if flagSet.Changed("gnupg-home") {
		cfg.GNUPGHome = gnupgHome
	}
	if flagSet.Changed("allow-other") {
		cfg.AllowOther = allowOther
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `asymmetricfs — a FUSE filesystem that transparently encrypts files to GPG recipients.

Usage:
  asymmetricfs --backing <dir> --mountpoint <dir> --recipient <fpr> [--recipient <fpr> ...] [flags]

Without --secret-key, the mount runs in write-only mode: existing
encrypted files cannot be read back, only created or overwritten.

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
