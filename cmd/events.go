/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"

	"github.com/jjudge-oj/authserver/config"
	"github.com/jjudge-oj/authserver/internal/events"
	"github.com/jjudge-oj/authserver/internal/mq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// eventsCmd represents the events command.
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect user lifecycle events",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Subscribe to the events channel and log every event",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		logger, err := newLogger(cfg.Log)
		if err != nil {
			return err
		}

		queue, err := mq.Open(cmd.Context(), cfg.Events)
		if err != nil {
			return err
		}
		if queue == nil {
			return errors.New("MQ_BACKEND must be rabbitmq or pubsub to tail events")
		}
		defer queue.Close()

		logger.WithField("channel", cfg.Events.Channel).Info("tailing events")
		err = queue.Subscribe(cmd.Context(), cfg.Events.Channel, func(ctx context.Context, msg mq.Message) error {
			event, err := events.Decode(msg)
			if err != nil {
				// Malformed payloads are acked so they do not loop forever.
				logger.WithError(err).Warn("skip undecodable event")
				return nil
			}
			logger.WithFields(logrus.Fields{
				"event_id":    event.ID,
				"type":        event.Type,
				"user_id":     event.UserID,
				"username":    event.Username,
				"occurred_at": event.OccurredAt,
			}).Info("event")
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd)
}
