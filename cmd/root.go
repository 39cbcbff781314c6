package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/CanopyHQ/tendril/internal/chat"
	"github.com/CanopyHQ/tendril/internal/config"
	"github.com/CanopyHQ/tendril/internal/edgestore"
	_ "github.com/CanopyHQ/tendril/internal/edgestore/redis"
	_ "github.com/CanopyHQ/tendril/internal/edgestore/sqlite"
	"github.com/CanopyHQ/tendril/internal/identity"
	"github.com/CanopyHQ/tendril/internal/search"
)

// Build-time variables
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// SetVersion sets the version info from main
func SetVersion(v, c, d string) {
	Version = v
	Commit = c
	Date = d
}

var rootCmd = &cobra.Command{
	Use:   "tendril",
	Short: "Tendril - causal chat log for peer-to-peer conversations",
	Long: `Tendril keeps conversations as a content-addressed causal graph.

Every peer writes to its own log and links each message after what it has
seen, so peers that exchange records converge on the same history without
a central server or clock.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the tendril command
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	// serve, version, status (defined in serve.go)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)

	// register, profile, start, join, conversations, members, post, messages (defined in chat.go)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(membersCmd)
	rootCmd.AddCommand(postCmd)
	rootCmd.AddCommand(messagesCmd)

	// search (defined in search.go)
	rootCmd.AddCommand(searchCmd)

	// import (defined in import.go)
	rootCmd.AddCommand(importCmd)

	// bundle (defined in bundle.go)
	rootCmd.AddCommand(bundleCmd)

	// doctor (defined in doctor.go)
	rootCmd.AddCommand(doctorCmd)
}

func setupLogging(level string) {
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)
}

// session is everything a command needs to act as the local peer.
type session struct {
	cfg   *config.Config
	id    *identity.Identity
	store edgestore.Store
	index *search.Index
	chat  *chat.Service
}

// openSession loads config and identity, opens the configured store and the
// search index, and builds the chat service over them.
func openSession(ctx context.Context, opts ...chat.Option) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.LogLevel)
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}

	id, err := identity.LoadOrCreate(cfg.IdentityPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	ctx = config.WithContext(ctx, cfg)
	store, err := edgestore.Open(ctx, cfg.StoreBackend, id.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	idx, err := search.Open(ctx, cfg.SearchPath(), nil)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open search index: %w", err)
	}

	opts = append([]chat.Option{chat.WithIndexer(idx)}, opts...)
	return &session{
		cfg:   cfg,
		id:    id,
		store: store,
		index: idx,
		chat:  chat.NewService(store, opts...),
	}, nil
}

func (s *session) Close() {
	if s.index != nil {
		s.index.Close()
	}
	if s.store != nil {
		s.store.Close()
	}
}
