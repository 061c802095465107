// Package main: cross-component callbacks.
//
// ws does not import services, and services reach the hub only through
// ws.EventPublisher. Everything that has to flow the other way is wired
// here.
package main

import (
	"context"
	"time"

	"github.com/akinalp/parley/models"
)

const revocationPublishTimeout = 2 * time.Second

// registerCallbacks connects revocations, client receipt frames and the
// queue consumers to the broadcaster.
func registerCallbacks(svcs *Services) error {
	// A revoked or swept session loses its live sockets on this process, and
	// every other process is told to close the ones it holds. A lost notice
	// is caught by the heartbeat recheck.
	svcs.Sessions.OnRevoke(func(sessions []models.Session) {
		svcs.Hub.CloseSessions(sessions)

		ctx, cancel := context.WithTimeout(context.Background(), revocationPublishTimeout)
		defer cancel()
		if err := svcs.Queue.PublishRevocation(ctx, sessions); err != nil {
			logger.Warn().Err(err).Int("sessions", len(sessions)).Msg("failed to announce revocation")
		}
	})
	if err := svcs.Queue.SubscribeRevocations(svcs.Hub.CloseSessions); err != nil {
		return err
	}

	// ack_delivered / mark_read frames go to the message service.
	svcs.Hub.SetReceiptHandler(svcs.Message)

	// Jobs published by other processes reach the sockets held here.
	if err := svcs.Queue.ConsumeDeliveries(svcs.Message.Redeliver); err != nil {
		return err
	}

	return svcs.Queue.SubscribeMembership(func(change models.MembershipChange) {
		svcs.Hub.InvalidateAudience(change.ConversationID)
	})
}
