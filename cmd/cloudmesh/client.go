package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cloudmesh/pkg/cloud"
	"cloudmesh/pkg/transport"
	"cloudmesh/pkg/types"
	"cloudmesh/pkg/wire"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	keyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// parseKey accepts "primary/secondary" or "primary" (secondary 0).
func parseKey(arg string) (types.CloudKey, error) {
	parts := strings.SplitN(arg, "/", 2)
	primary, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return types.CloudKey{}, fmt.Errorf("bad key %q: %w", arg, err)
	}
	key := types.CloudKey{Primary: uint32(primary)}
	if len(parts) == 2 {
		secondary, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return types.CloudKey{}, fmt.Errorf("bad key %q: %w", arg, err)
		}
		key.Secondary = uint32(secondary)
	}
	return key, nil
}

// meshSession is one short-lived CLI connection to a server.
type meshSession struct {
	tr     *transport.GRPCTransport
	client *cloud.Client
	server types.Guid
	logger *zap.Logger
}

type sessionCallback struct {
	responses     chan *wire.GetResponse
	notifications chan types.CloudQueryRow
}

func (c *sessionCallback) OnGetResponse(resp *wire.GetResponse) {
	c.responses <- resp
}

func (c *sessionCallback) OnSubscriptionNotification(_ bool, row types.CloudQueryRow) {
	c.notifications <- row
}

func dialSession(serverAddr string, logger *zap.Logger) (*meshSession, *sessionCallback, error) {
	tr, err := transport.NewGRPCTransport(randomGuid(), "127.0.0.1:0", "", logger)
	if err != nil {
		return nil, nil, err
	}
	if err := tr.Dial(types.Address(serverAddr)); err != nil {
		tr.Close()
		return nil, nil, err
	}

	// The hello exchange registers exactly one peer: the server.
	var server types.Guid
	deadline := time.Now().Add(5 * time.Second)
	for server == types.UnassignedGuid && time.Now().Before(deadline) {
		select {
		case ev := <-tr.Events():
			if ev.Type == transport.EventConnected {
				server = ev.Peer
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
	if server == types.UnassignedGuid {
		tr.Close()
		return nil, nil, fmt.Errorf("no hello from %s", serverAddr)
	}

	cb := &sessionCallback{
		responses:     make(chan *wire.GetResponse, 16),
		notifications: make(chan types.CloudQueryRow, 64),
	}
	session := &meshSession{
		tr:     tr,
		client: cloud.NewClient(tr, server, cb, logger),
		server: server,
		logger: logger,
	}
	return session, cb, nil
}

func (s *meshSession) pumpUntil(done func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.client.Tick()
		if done() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func (s *meshSession) close() {
	s.tr.Close()
}

func postCmd() *cobra.Command {
	var serverAddr string
	cmd := &cobra.Command{
		Use:   "post <key> <payload>",
		Short: "Upload a payload under a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			session, _, err := dialSession(serverAddr, logger)
			if err != nil {
				return err
			}
			defer session.close()

			if err := session.client.Post(key, []byte(args[1])); err != nil {
				return err
			}
			// Give the frame a moment to flush before tearing the link down.
			time.Sleep(100 * time.Millisecond)
			fmt.Println(successStyle.Render(fmt.Sprintf("posted %d bytes under %s", len(args[1]), key)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&serverAddr, "server", "s", "127.0.0.1:7200", "server address")
	return cmd
}

func getCmd() *cobra.Command {
	var (
		serverAddr string
		maxRows    uint32
		subscribe  bool
		watchFor   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "get <key> [key...]",
		Short: "Query keys across the mesh",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			query := types.CloudQuery{MaxRows: maxRows, SubscribeToResults: subscribe}
			for _, arg := range args {
				key, err := parseKey(arg)
				if err != nil {
					return err
				}
				query.Keys = append(query.Keys, key)
			}

			session, cb, err := dialSession(serverAddr, logger)
			if err != nil {
				return err
			}
			defer session.close()

			if err := session.client.Get(query); err != nil {
				return err
			}

			var resp *wire.GetResponse
			got := session.pumpUntil(func() bool {
				select {
				case resp = <-cb.responses:
					return true
				default:
					return false
				}
			}, 5*time.Second)
			if !got {
				return fmt.Errorf("no response from %s", serverAddr)
			}

			printRows(resp.Rows)

			if subscribe && watchFor > 0 {
				fmt.Println(dimStyle.Render(fmt.Sprintf("watching for changes for %s...", watchFor)))
				end := time.Now().Add(watchFor)
				for time.Now().Before(end) {
					session.client.Tick()
					select {
					case row := <-cb.notifications:
						fmt.Printf("%s %s %s\n",
							warningStyle.Render("changed"),
							keyStyle.Render(row.Key.String()),
							string(row.Payload))
					case <-time.After(50 * time.Millisecond):
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&serverAddr, "server", "s", "127.0.0.1:7200", "server address")
	cmd.Flags().Uint32Var(&maxRows, "max-rows", 0, "maximum rows to return (0 = unlimited)")
	cmd.Flags().BoolVar(&subscribe, "subscribe", false, "subscribe to future changes")
	cmd.Flags().DurationVar(&watchFor, "watch", 0, "with --subscribe, watch for changes this long")
	return cmd
}

func printRows(rows []types.CloudQueryRow) {
	if len(rows) == 0 {
		fmt.Println(dimStyle.Render("no rows"))
		return
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("%d row(s)", len(rows))))
	for _, row := range rows {
		fmt.Printf("  %s  owner=%s server=%s  %s\n",
			keyStyle.Render(row.Key.String()),
			row.ClientGuid,
			dimStyle.Render(string(row.ServerAddress)),
			string(row.Payload))
	}
}

func releaseCmd() *cobra.Command {
	var serverAddr string
	cmd := &cobra.Command{
		Use:   "release <key> [key...]",
		Short: "Withdraw this client's uploads",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			keys := make([]types.CloudKey, 0, len(args))
			for _, arg := range args {
				key, err := parseKey(arg)
				if err != nil {
					return err
				}
				keys = append(keys, key)
			}

			session, _, err := dialSession(serverAddr, logger)
			if err != nil {
				return err
			}
			defer session.close()

			if err := session.client.Release(keys...); err != nil {
				return err
			}
			time.Sleep(100 * time.Millisecond)
			fmt.Println(successStyle.Render(fmt.Sprintf("released %d key(s)", len(keys))))
			return nil
		},
	}
	cmd.Flags().StringVarP(&serverAddr, "server", "s", "127.0.0.1:7200", "server address")
	return cmd
}

func statusCmd() *cobra.Command {
	var serverAddr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check a server is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			session, _, err := dialSession(serverAddr, logger)
			if err != nil {
				return fmt.Errorf("unreachable: %w", err)
			}
			defer session.close()

			fmt.Println(successStyle.Render(fmt.Sprintf("server %s reachable at %s", session.server, serverAddr)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&serverAddr, "server", "s", "127.0.0.1:7200", "server address")
	return cmd
}
