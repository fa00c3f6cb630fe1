package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"chatsync/internal/config"
	"chatsync/internal/models"
	"chatsync/internal/service"

	"github.com/spf13/cobra"
)

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var debugServer bool

	cmd := &cobra.Command{
		Use:     "watch CONVERSATION",
		Short:   "Follow a conversation and print its view whenever it changes",
		Example: "chatsync watch direct:u42\nchatsync watch group:7 --debug-server",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := models.ParseConversationKey(args[0])
			if err != nil {
				return err
			}
			return runWatch(cmd.Context(), opts, key, debugServer, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&debugServer, "debug-server", false, "Serve health, metrics and the current view over HTTP")
	return cmd
}

func runWatch(ctx context.Context, opts *rootOptions, key models.ConversationKey, debugServer bool, out io.Writer) error {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	session, err := a.openSession(key)
	if err != nil {
		return err
	}

	watcher := config.NewConfigWatcher(opts.configPath, a.logger)
	if !opts.verbose {
		watcher.OnConfigChange(config.LogLevelUpdater(a.logger))
	}
	go func() {
		if err := watcher.Start(ctx); err != nil {
			a.logger.WithError(err).Warn("Configuration watcher stopped")
		}
	}()

	if debugServer || a.cfg.DebugServer.Enabled {
		server := NewServer(a.cfg.DebugServer.Addr, session, a.db, a.logger)
		go func() {
			if err := server.Start(); err != nil {
				a.logger.WithError(err).Error("Debug server stopped")
			}
		}()
		defer shutdownServer(server, a.logger)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(a.runContext(ctx)) }()

	encoder := json.NewEncoder(out)
	for {
		select {
		case err := <-done:
			if ctx.Err() != nil {
				a.logger.Info("Received shutdown signal")
				return nil
			}
			return err
		case <-session.Updates():
			if session.State() != service.StateLive {
				continue
			}
			view, err := session.Snapshot(ctx)
			if err != nil {
				continue
			}
			if err := encoder.Encode(view); err != nil {
				return err
			}
		}
	}
}

func newSendCommand(opts *rootOptions) *cobra.Command {
	var files []string

	cmd := &cobra.Command{
		Use:     "send CONVERSATION [TEXT...]",
		Short:   "Send a text message or files to a conversation",
		Example: "chatsync send direct:u42 hello there\nchatsync send group:7 --file ./photo.png",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := models.ParseConversationKey(args[0])
			if err != nil {
				return err
			}
			text := strings.Join(args[1:], " ")
			if text == "" && len(files) == 0 {
				return fmt.Errorf("nothing to send: give message text or --file")
			}
			return runSend(cmd.Context(), opts, key, text, files, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "File to upload and send (repeatable)")
	return cmd
}

func runSend(ctx context.Context, opts *rootOptions, key models.ConversationKey, text string, files []string, out io.Writer) error {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	session, err := a.openSession(key)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(a.runContext(ctx))
	defer cancel()
	done, err := startSession(runCtx, session)
	if err != nil {
		return err
	}

	var sent []models.Message
	if len(files) > 0 {
		msgs, err := session.Dispatcher().SendFiles(runCtx, files)
		sent = append(sent, msgs...)
		if err != nil {
			return err
		}
	}
	if text != "" {
		msg, err := session.Dispatcher().Send(runCtx, text)
		if err != nil {
			return err
		}
		sent = append(sent, msg)
	}

	encoder := json.NewEncoder(out)
	for _, msg := range sent {
		if err := encoder.Encode(msg); err != nil {
			return err
		}
	}

	cancel()
	<-done
	return nil
}

func newSearchCommand(opts *rootOptions) *cobra.Command {
	var local bool

	cmd := &cobra.Command{
		Use:   "search CONVERSATION KEYWORD",
		Short: "Search a conversation's messages",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := models.ParseConversationKey(args[0])
			if err != nil {
				return err
			}
			return runSearch(cmd.Context(), opts, key, args[1], local, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "Search the merged local view instead of the server")
	return cmd
}

func runSearch(ctx context.Context, opts *rootOptions, key models.ConversationKey, keyword string, local bool, out io.Writer) error {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	session, err := a.openSession(key)
	if err != nil {
		return err
	}

	var results []models.Message
	if local {
		runCtx, cancel := context.WithCancel(a.runContext(ctx))
		defer cancel()
		done, err := startSession(runCtx, session)
		if err != nil {
			return err
		}
		results, err = session.Search(runCtx, keyword)
		cancel()
		<-done
		if err != nil {
			return err
		}
	} else {
		results, err = session.SearchServer(ctx, keyword)
		if err != nil {
			return err
		}
	}

	encoder := json.NewEncoder(out)
	for _, msg := range results {
		if err := encoder.Encode(msg); err != nil {
			return err
		}
	}
	return nil
}
