package main

import (
	"bytes"
	"io"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCobraCommand_Setup(t *testing.T) {
	rootCmd := &cobra.Command{
		Use:     "docworker",
		Short:   "docworker - hosted document storage manager",
		Version: version,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "", "Data directory path")
	rootCmd.PersistentFlags().StringP("listen", "l", ":8080", "Health/metrics listen address")
	rootCmd.PersistentFlags().StringP("log-level", "", "info", "Log level")

	t.Run("metadata", func(t *testing.T) {
		assert.Equal(t, "docworker", rootCmd.Use)
		assert.Equal(t, version, rootCmd.Version)
	})

	t.Run("flags registered with correct defaults", func(t *testing.T) {
		flags := map[string]string{
			"config":    "",
			"data-dir":  "",
			"listen":    ":8080",
			"log-level": "info",
		}
		for name, def := range flags {
			flag := rootCmd.PersistentFlags().Lookup(name)
			require.NotNil(t, flag, "flag %q should exist", name)
			val, _ := rootCmd.PersistentFlags().GetString(name)
			assert.Equal(t, def, val, "flag %q default", name)
		}
	})

	t.Run("help output contains all flags", func(t *testing.T) {
		helpOutput := rootCmd.UsageString()
		for _, flag := range []string{"--config", "--data-dir", "--listen", "--log-level"} {
			assert.Contains(t, helpOutput, flag)
		}
	})
}

func TestCobraCommand_VersionOutput(t *testing.T) {
	rootCmd := &cobra.Command{
		Use:     "docworker",
		Version: "v0.3.0-beta (commit: abc123, built: 20260730)",
	}

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"--version"})

	err := rootCmd.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "v0.3.0-beta")
}

// newTestCommand builds a cobra.Command with the flags run() reads,
// explicitly Set() so viper's BindPFlag treats them as "changed" rather
// than falling back to viper's own defaults.
func newTestCommand(dataDir, listen string) *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "")
	cmd.Flags().String("data-dir", "", "")
	cmd.Flags().String("listen", "", "")
	cmd.Flags().String("log-level", "", "")

	cmd.Flags().Set("data-dir", dataDir)
	cmd.Flags().Set("listen", listen)
	cmd.Flags().Set("log-level", "error")
	return cmd
}

func tempDirWithRetryCleanup(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", t.Name())
	require.NoError(t, err)
	t.Cleanup(func() {
		for i := 0; i < 10; i++ {
			if err := os.RemoveAll(dir); err == nil {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	})
	return dir
}

func runWithTimeout(cmd *cobra.Command, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- run(cmd, []string{})
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(timeout):
		return nil // server started and is still running, which is fine
	}
}

func TestRun_ConfigLoadError(t *testing.T) {
	cmd := newTestCommand("", ":48080")
	cmd.Flags().Set("config", "/non/existent/path/config.yaml")

	err := runWithTimeout(cmd, 500*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestRun_DisablesS3WhenConfigFileSaysSo(t *testing.T) {
	tmpDir := tempDirWithRetryCleanup(t)
	configPath := tmpDir + "/config.yaml"
	require.NoError(t, os.WriteFile(configPath, []byte("disable_s3: true\n"), 0644))

	cmd := newTestCommand(tmpDir, ":58080")
	cmd.Flags().Set("config", configPath)

	logrus.SetOutput(io.Discard)
	defer logrus.SetOutput(os.Stderr)

	err := runWithTimeout(cmd, 300*time.Millisecond)
	// Either the server starts cleanly (timeout => nil) or it fails at a
	// later stage unrelated to S3 being required; both are acceptable here.
	if err != nil {
		assert.NotContains(t, err.Error(), "s3.bucket is required")
	}
}

func TestRun_MissingBucketFailsValidation(t *testing.T) {
	tmpDir := tempDirWithRetryCleanup(t)
	cmd := newTestCommand(tmpDir, ":68080")

	err := runWithTimeout(cmd, 500*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3.bucket is required")
}
