package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	cmdUtil "github.com/ValentinKolb/rTable/cmd/util"
	"github.com/ValentinKolb/rTable/lib/provider"
	"github.com/ValentinKolb/rTable/lib/store/lstore"
	"github.com/ValentinKolb/rTable/rpc/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// JournalCommands represents the offline journal tools. They open the journal
	// of one shard directly and must not run while a server uses the directory.
	JournalCommands = &cobra.Command{
		Use:               "journal",
		Short:             "Offline tools operating on the journal of a shard",
		PersistentPreRunE: bindFlags,
	}

	dumpCmd = &cobra.Command{
		Use:   "dump [from] [to] [max]",
		Short: "Prints the committed pairs of the journal (from <= key <= to)",
		Args:  cobra.MaximumNArgs(3),
		RunE:  runDump,
	}

	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Prints information about the database of the journal",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}

	backupCmd = &cobra.Command{
		Use:   "backup [dir]",
		Short: "Writes a backup of the committed state of the journal into dir",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackup,
	}

	restoreCmd = &cobra.Command{
		Use:   "restore [dir]",
		Short: "Replaces the state of the journal with the backup in dir",
		Args:  cobra.ExactArgs(1),
		RunE:  runRestore,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	key := "dir"
	JournalCommands.PersistentFlags().String(key, "data/local", cmdUtil.WrapString("Base directory of the partition (<work-dir>/local for local shards, <work-dir>/replica-<id> for replicated shards)"))

	key = "shard"
	JournalCommands.PersistentFlags().Uint64(key, 100, cmdUtil.WrapString("ID of the shard"))

	key = "engine"
	JournalCommands.PersistentFlags().String(key, "pebble", cmdUtil.WrapString("Storage engine of the journal (pebble, memory)"))

	key = "log-level"
	JournalCommands.PersistentFlags().String(key, "warn", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	JournalCommands.AddCommand(dumpCmd)
	JournalCommands.AddCommand(infoCmd)
	JournalCommands.AddCommand(backupCmd)
	JournalCommands.AddCommand(restoreCmd)
	JournalCommands.AddCommand(demoCmd)
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlags(cmd.Flags())
}

// initConfig reads ENV variables if set.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("rtable")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// openStore opens the journal selected by the flags as a local store.
func openStore(dir string, shard uint64) (*lstore.Store, error) {
	driver, err := server.EngineDriver(viper.GetString("engine"))
	if err != nil {
		return nil, err
	}
	initLogging()
	return lstore.NewLocalStore(lstore.Options{
		WorkDir:  dir,
		ShardID:  shard,
		Provider: provider.Options{Engine: driver, PoolSize: 2},
	})
}

func runDump(_ *cobra.Command, args []string) error {
	s, err := openStore(viper.GetString("dir"), viper.GetUint64("shard"))
	if err != nil {
		return err
	}
	defer s.Close()

	from, to, limit := "", "", 0
	if len(args) > 0 {
		from = args[0]
	}
	if len(args) > 1 {
		to = args[1]
	}
	if len(args) > 2 {
		if _, err := fmt.Sscanf(args[2], "%d", &limit); err != nil {
			return fmt.Errorf("max must be a number: %w", err)
		}
	}

	rows, err := s.GetRange(from, to, limit)
	if err != nil {
		return err
	}
	for _, row := range rows {
		fmt.Printf("%s=%s\n", row.Key, row.Value)
	}
	fmt.Printf("(%d rows)\n", len(rows))
	return nil
}

func runInfo(_ *cobra.Command, _ []string) error {
	s, err := openStore(viper.GetString("dir"), viper.GetUint64("shard"))
	if err != nil {
		return err
	}
	defer s.Close()

	info, err := s.GetDBInfo()
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("directory: %s\n%s\n", s.Provider().Directory(), out)
	return nil
}

func runBackup(_ *cobra.Command, args []string) error {
	s, err := openStore(viper.GetString("dir"), viper.GetUint64("shard"))
	if err != nil {
		return err
	}
	defer s.Close()

	dst, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	if err := s.Provider().BackupCheckpoint(context.Background(), dst); err != nil {
		return err
	}
	fmt.Printf("backup written to %s\n", dst)
	return nil
}

func runRestore(_ *cobra.Command, args []string) error {
	src, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("backup %s: %w", src, err)
	}

	s, err := openStore(viper.GetString("dir"), viper.GetUint64("shard"))
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Provider().RestoreCheckpoint(context.Background(), src); err != nil {
		return err
	}
	fmt.Printf("journal restored from %s\n", src)
	return nil
}
