package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatlink/internal/config"
	"chatlink/internal/devserver"
	"chatlink/internal/domain"
	"chatlink/internal/kv"
	"chatlink/internal/logx"
	"chatlink/internal/metrics"
	"chatlink/internal/session"
)

func main() {
	root := &cobra.Command{
		Use:           "chatlink",
		Short:         "Real-time chat client core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(chatCmd(), devserverCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logx.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

// serveMetrics exposes the Prometheus endpoint when an address is configured.
func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
}

func chatCmd() *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat in one conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			serveMetrics(cfg.MetricsAddr)

			store, err := kv.Open(cfg.KVBackend, cfg.DataDir)
			if err != nil {
				return fmt.Errorf("open local store: %w", err)
			}
			defer store.Close()

			sess, err := session.New(cfg, store)
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			sess.OnTimelineChange(func(convID string) {
				if convID != conversationID {
					return
				}
				msgs := sess.Messages(convID)
				if len(msgs) == 0 {
					return
				}
				m := msgs[0]
				fmt.Printf("[%s] %s: %s (%s)\n",
					m.Timestamp.Format("15:04:05"), m.Sender.DisplayName, m.Content, m.Status)
			})

			states, unsub := sess.SubscribeConnectionState()
			defer unsub()
			go func() {
				for {
					select {
					case state := <-states:
						fmt.Printf("-- connection: %s\n", state)
					case <-ctx.Done():
						return
					}
				}
			}()

			if err := sess.Start(ctx); err != nil {
				return err
			}
			if err := sess.SwitchConversation(ctx, conversationID); err != nil {
				return err
			}

			if draft, err := sess.Draft(conversationID); err == nil && draft != "" {
				fmt.Printf("-- draft: %s\n", draft)
			}
			fmt.Printf("chatting as %s in %s, /quit to exit\n", sess.Identity().DisplayName, conversationID)

			lines := make(chan string)
			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					lines <- scanner.Text()
				}
				close(lines)
			}()

			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok || line == "/quit" {
						return nil
					}
					if strings.TrimSpace(line) == "" {
						continue
					}
					if line == "/retry" {
						failed := sess.FailedSends(conversationID)
						if len(failed) == 0 {
							fmt.Println("-- nothing to retry")
							continue
						}
						for _, qm := range failed {
							if err := sess.RetrySend(qm.ID); err != nil {
								fmt.Fprintln(os.Stderr, "retry:", err)
							}
						}
						continue
					}
					sess.Keystroke(conversationID)
					if _, err := sess.SendText(conversationID, line); err != nil {
						fmt.Fprintln(os.Stderr, "send:", err)
					}
				}
			}
		},
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "conversation id to join")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}

func devserverCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run the local development chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			server := devserver.New()
			server.SeedConversation(domain.Conversation{
				ID:        "lobby",
				Type:      domain.ConversationGroup,
				CreatedAt: time.Now().UTC(),
			})

			srv := &http.Server{
				Addr:         addr,
				Handler:      server.Router(),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			go func() {
				logx.For("devserver").Info("listening", "addr", addr, "env", cfg.Env)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					fmt.Fprintln(os.Stderr, "server error:", err)
					os.Exit(1)
				}
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8000", "listen address")
	return cmd
}
