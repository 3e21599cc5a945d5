package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pdmd"
	"pkt.systems/pslog"
)

const (
	repoKey     = "repo"
	remoteKey   = "remote"
	tokenKey    = "token"
	projectKey  = "project"
	branchKey   = "branch"
	insecureKey = "insecure"
	timeoutKey  = "timeout"
	userKey     = "user"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("PDMD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "pdmd")
	cmd := newRootCommand(baseLogger)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pdmd",
		Short:         "pdmd coordinates exclusive check-out/check-in of CAD artifacts over a git working copy",
		SilenceErrors: true,
		Example: `
  # Point at a working copy backed by a remote repository
  PDMD_REMOTE=https://git.example.com/cad/parts.git PDMD_TOKEN=... pdmd --repo ~/pdm files

  # Check a part out, edit it, check it back in
  pdmd checkout 1234567.mcam
  pdmd checkin 1234567.mcam ./1234567.mcam -m "reworked pocket toolpath"
`,
	}

	flags := cmd.PersistentFlags()
	flags.String(repoKey, "", "local working copy directory")
	flags.String(remoteKey, "", "remote repository URL")
	flags.String(tokenKey, "", "remote access token")
	flags.String(projectKey, "", "project identifier for log correlation")
	flags.String(branchKey, pdmd.DefaultBranch, "tracked branch")
	flags.Bool(insecureKey, false, "skip TLS certificate verification")
	flags.Duration(timeoutKey, pdmd.DefaultAcquireTimeout, "repository lock acquisition timeout")
	flags.StringP(userKey, "u", os.Getenv("USER"), "holder identity for checkout and publish calls")
	bindFlags(flags)

	cmd.AddCommand(
		newCheckoutCommand(baseLogger),
		newCheckinCommand(baseLogger),
		newCancelCommand(baseLogger),
		newReleaseCommand(baseLogger),
		newLocksCommand(baseLogger),
		newFilesCommand(baseLogger),
		newHistoryCommand(baseLogger),
		newGetCommand(baseLogger),
		newUploadCommand(baseLogger),
		newLinkCommand(baseLogger),
		newVersionCommand(),
	)
	return cmd
}

func bindFlags(flags *pflag.FlagSet) {
	viper.SetEnvPrefix("PDMD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := viper.BindPFlag(flag.Name, flag); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag.Name, err))
		}
	})
}

// newCore stands the composed services up from the bound configuration.
func newCore(ctx context.Context, logger pslog.Logger) (*pdmd.Core, error) {
	cfg := pdmd.Config{
		RepoPath:       viper.GetString(repoKey),
		RemoteURL:      viper.GetString(remoteKey),
		Token:          viper.GetString(tokenKey),
		ProjectID:      viper.GetString(projectKey),
		Branch:         viper.GetString(branchKey),
		AllowInsecure:  viper.GetBool(insecureKey),
		AcquireTimeout: viper.GetDuration(timeoutKey),
		Logger:         logger,
	}
	return pdmd.New(ctx, cfg)
}

func currentUser() (string, error) {
	user := strings.TrimSpace(viper.GetString(userKey))
	if user == "" {
		return "", fmt.Errorf("no holder identity: set --user or PDMD_USER")
	}
	return user, nil
}

func formatWhen(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04")
}
