// collabkit-broker is the CollabKit broker process: it serves the WebSocket
// room protocol at the configured path, plus /healthz and /metrics, and
// carries a few operational subcommands for inspecting configuration,
// seeded rooms, and persisted offline-queue blobs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	yamlv2 "gopkg.in/yaml.v2"
	yamlv3 "gopkg.in/yaml.v3"

	"collabkit.dev/collabkit/auth"
	"collabkit.dev/collabkit/broker"
	"collabkit.dev/collabkit/crdt"
	"collabkit.dev/collabkit/internal/jsonvalue"
	"collabkit.dev/collabkit/permission"
	"collabkit.dev/collabkit/pkg/utils"
	"collabkit.dev/collabkit/storage"
)

func main() {
	// Environment variables from a local .env beat nothing but lose to the
	// real environment, matching godotenv.Load semantics.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{Use: "collabkit-broker"}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(roomsCmd())
	rootCmd.AddCommand(queueCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")
			env, _ := cmd.Flags().GetString("env")
			addr, _ := cmd.Flags().GetString("addr")
			roomsFile, _ := cmd.Flags().GetString("rooms")
			dataDir, _ := cmd.Flags().GetString("data-dir")

			cfg, err := broker.LoadConfig(configDir, env)
			if err != nil {
				return err
			}
			log := logrus.StandardLogger()
			if utils.EnvOrDefaultBool("COLLABKIT_DEBUG", false) {
				log.SetLevel(logrus.DebugLevel)
			}

			authn := auth.NewStaticTokenAuthenticator()
			for token, principal := range principalsFromEnv() {
				authn.Register(token, principal)
			}

			var store storage.Store = storage.NewMemory()
			if dataDir != "" {
				dir, err := storage.NewDir(dataDir)
				if err != nil {
					return utils.Wrap(err, "open data dir")
				}
				store = dir
			}

			srv := broker.NewServer(cfg, authn, permission.AllowAll{}, store, prometheus.DefaultRegisterer, log)
			if roomsFile != "" {
				seeds, err := loadRoomSeeds(roomsFile)
				if err != nil {
					return err
				}
				for _, seed := range seeds {
					srv.RegisterRoom(broker.NewRoom(seed.ID, "broker",
						broker.WithStorage(store),
						broker.WithSaveOnOperation(cfg.SaveOnOperation),
						broker.WithServerTimestamp(cfg.UseServerTimestamp),
						broker.WithLogger(log),
					))
				}
			}

			httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}
			errCh := make(chan error, 1)
			go func() {
				log.WithFields(logrus.Fields{"addr": addr, "path": cfg.Path}).Info("collabkit-broker: listening")
				errCh <- httpSrv.ListenAndServe()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				log.WithField("signal", sig.String()).Info("collabkit-broker: shutting down")
				timeout := utils.EnvOrDefaultDuration("COLLABKIT_SHUTDOWN_TIMEOUT", 10*time.Second)
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				return httpSrv.Shutdown(ctx)
			}
		},
	}
	cmd.Flags().String("config-dir", ".", "directory holding broker.yaml")
	cmd.Flags().String("env", "", "config overlay name (broker.<env>.yaml)")
	cmd.Flags().String("addr", utils.EnvOrDefault("COLLABKIT_ADDR", ":8090"), "listen address")
	cmd.Flags().String("rooms", "", "optional rooms.yaml seed file")
	cmd.Flags().String("data-dir", "", "directory for file-backed persistence (in-memory when empty)")
	return cmd
}

// principalsFromEnv reads COLLABKIT_TOKENS, a comma-separated
// token=user_id list, so the demo broker can run without a database.
func principalsFromEnv() map[string]auth.Principal {
	out := make(map[string]auth.Principal)
	raw := utils.EnvOrDefault("COLLABKIT_TOKENS", "")
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		token, userID, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || token == "" || userID == "" {
			continue
		}
		out[token] = auth.Principal{ID: userID}
	}
	return out
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config"}
	validate := &cobra.Command{
		Use:   "validate",
		Short: "load the broker config and print the resolved values",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")
			env, _ := cmd.Flags().GetString("env")
			cfg, err := broker.LoadConfig(configDir, env)
			if err != nil {
				return err
			}
			out, err := yamlv3.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	validate.Flags().String("config-dir", ".", "directory holding broker.yaml")
	validate.Flags().String("env", "", "config overlay name")
	cmd.AddCommand(validate)
	return cmd
}

// roomSeed is one entry of a rooms.yaml fixture: a room to pre-create and
// the function names it advertises.
type roomSeed struct {
	ID        string   `yaml:"id"`
	Functions []string `yaml:"functions"`
}

func loadRoomSeeds(path string) ([]roomSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.Wrap(err, "read rooms file")
	}
	var seeds struct {
		Rooms []roomSeed `yaml:"rooms"`
	}
	if err := yamlv3.Unmarshal(data, &seeds); err != nil {
		return nil, utils.Wrap(err, "parse rooms file")
	}
	return seeds.Rooms, nil
}

func roomsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rooms"}
	list := &cobra.Command{
		Use:   "list [rooms.yaml]",
		Short: "print the rooms a seed file would create",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			seeds, err := loadRoomSeeds(args[0])
			if err != nil {
				return err
			}
			for _, s := range seeds {
				fmt.Printf("%s", s.ID)
				if len(s.Functions) > 0 {
					fmt.Printf("\tfunctions: %v", s.Functions)
				}
				fmt.Println()
			}
			return nil
		},
	}
	cmd.AddCommand(list)
	return cmd
}

// queueDumpEntry is the YAML shape `queue dump` prints for one persisted
// offline-queue record, kept deliberately distinct from the JSON wire form.
type queueDumpEntry struct {
	RoomID    string      `yaml:"room_id"`
	OpID      string      `yaml:"op_id"`
	OpType    string      `yaml:"op_type"`
	Path      []string    `yaml:"path,flow"`
	Value     interface{} `yaml:"value,omitempty"`
	Timestamp float64     `yaml:"timestamp"`
	QueuedAt  float64     `yaml:"queued_at"`
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "queue"}
	dump := &cobra.Command{
		Use:   "dump [blob-file]",
		Short: "decode a persisted offline-queue blob and print it as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return utils.Wrap(err, "read queue blob")
			}
			var records []struct {
				RoomID    string          `json:"room_id"`
				Operation json.RawMessage `json:"operation"`
				QueuedAt  float64         `json:"queued_at"`
			}
			if err := json.Unmarshal(data, &records); err != nil {
				return utils.Wrap(err, "parse queue blob")
			}
			entries := make([]queueDumpEntry, 0, len(records))
			for _, r := range records {
				op, err := crdt.Decode(r.Operation)
				if err != nil {
					fmt.Fprintf(os.Stderr, "skipping corrupted entry: %v\n", err)
					continue
				}
				e := queueDumpEntry{
					RoomID:    r.RoomID,
					OpID:      op.ID,
					OpType:    string(op.Kind),
					Path:      op.Path,
					Timestamp: op.Timestamp,
					QueuedAt:  r.QueuedAt,
				}
				if op.HasValue() {
					e.Value = toPlain(op.Value)
				}
				entries = append(entries, e)
			}
			out, err := yamlv2.Marshal(entries)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	cmd.AddCommand(dump)
	return cmd
}

// toPlain converts a jsonvalue tree into plain Go values yaml.v2 can
// marshal.
func toPlain(v jsonvalue.Value) interface{} {
	return v.ToAny()
}
