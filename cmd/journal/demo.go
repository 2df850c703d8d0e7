package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	cmdUtil "github.com/ValentinKolb/rTable/cmd/util"
	"github.com/ValentinKolb/rTable/lib/store"
	"github.com/ValentinKolb/rTable/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const demoKey = "counter"

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Increments a counter through a journal, then backs it up and restores it into a second journal",
	Args:  cobra.NoArgs,
	RunE:  runDemo,
}

func init() {
	demoCmd.Flags().Int("count", 100, cmdUtil.WrapString("How many times the counter is incremented"))
	demoCmd.Flags().Bool("keep", false, cmdUtil.WrapString("Keep the temporary directory of the demo"))
}

// initLogging installs the logger factory for the offline tools
func initLogging() {
	common.InitLoggers(common.ServerConfig{LogLevel: viper.GetString("log-level")})
}

func runDemo(cmd *cobra.Command, _ []string) error {
	count, _ := cmd.Flags().GetInt("count")
	keep, _ := cmd.Flags().GetBool("keep")

	base, err := os.MkdirTemp("", "rtable-demo-")
	if err != nil {
		return err
	}
	if keep {
		fmt.Printf("demo directory: %s\n", base)
	} else {
		defer os.RemoveAll(base)
	}

	// increment the counter in the first journal
	primary, err := openStore(filepath.Join(base, "primary"), 1)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		if err := increment(primary); err != nil {
			primary.Close()
			return fmt.Errorf("increment %d: %w", i, err)
		}
	}
	value, err := readCounter(primary)
	if err != nil {
		primary.Close()
		return err
	}
	fmt.Printf("counter after %d increments: %d\n", count, value)

	// backup
	backupDir := filepath.Join(base, "backup")
	if err := primary.Provider().BackupCheckpoint(context.Background(), backupDir); err != nil {
		primary.Close()
		return err
	}
	if err := primary.Close(); err != nil {
		return err
	}
	fmt.Printf("backup written to %s\n", backupDir)

	// restore into a second journal
	secondary, err := openStore(filepath.Join(base, "secondary"), 2)
	if err != nil {
		return err
	}
	defer secondary.Close()
	if err := secondary.Provider().RestoreCheckpoint(context.Background(), backupDir); err != nil {
		return err
	}
	restored, err := readCounter(secondary)
	if err != nil {
		return err
	}
	fmt.Printf("counter in restored journal: %d\n", restored)

	if restored != value {
		return fmt.Errorf("restored counter %d does not match %d", restored, value)
	}
	fmt.Println("demo completed successfully")
	return nil
}

// increment reads the counter and writes it back incremented by one
func increment(s store.IStore) error {
	value, err := readCounter(s)
	if err != nil {
		return err
	}
	return s.Insert(demoKey, []byte(strconv.FormatUint(value+1, 10)))
}

func readCounter(s store.IStore) (uint64, error) {
	raw, found, err := s.Get(demoKey)
	if err != nil || !found {
		return 0, err
	}
	return strconv.ParseUint(string(raw), 10, 64)
}
