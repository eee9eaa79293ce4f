package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"duplexstream/client"
	"duplexstream/message"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	sendVerb        string
	sendBody        string
	sendContentType string
)

var sendCmd = &cobra.Command{
	Use:   "send PATH",
	Short: "send one request and print the response",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		dialer, err := cfg.Transport.Dialer()
		if err != nil {
			return err
		}
		c := client.New(dialer, client.Options{
			Logger:            logger,
			RequestTimeout:    cfg.Session.RequestTimeout,
			KeepAliveInterval: cfg.Client.KeepAliveInterval,
			AutoReconnect:     cfg.Client.AutoReconnect,
			Backoff: client.BackoffOptions{
				InitialInterval: cfg.Client.Reconnect.InitialInterval,
				MaxInterval:     cfg.Client.Reconnect.MaxInterval,
				Multiplier:      cfg.Client.Reconnect.Multiplier,
				MaxAttempts:     cfg.Client.Reconnect.MaxAttempts,
			},
		})

		ctx := cmd.Context()
		if err := c.Connect(ctx); err != nil {
			return err
		}
		defer c.Disconnect()

		return send(ctx, c, args[0], logger)
	},
}

func init() {
	sendCmd.Flags().StringVarP(&sendVerb, "verb", "X", message.VerbGet, "request verb")
	sendCmd.Flags().StringVarP(&sendBody, "body", "d", "", "request body; @file reads it from a file")
	sendCmd.Flags().StringVar(&sendContentType, "content-type", message.ContentTypeText, "body content type")
}

func send(ctx context.Context, c *client.Client, path string, logger *zap.Logger) error {
	var streams []*message.ContentStream
	if sendBody != "" {
		body := []byte(sendBody)
		if name, ok := strings.CutPrefix(sendBody, "@"); ok {
			data, err := os.ReadFile(name)
			if err != nil {
				return err
			}
			body = data
		}
		streams = append(streams, message.NewContentStream(sendContentType, body))
	}

	resp, err := c.Send(ctx, path, strings.ToUpper(sendVerb), streams...)
	if err != nil {
		return err
	}
	logger.Debug("response received", zap.Int("status", resp.StatusCode), zap.Int("streams", len(resp.Streams)))

	fmt.Println(resp.StatusCode)
	for _, st := range resp.Streams {
		data, err := st.Bytes(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", data)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return nil
}
