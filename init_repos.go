// Package main: repository setup.
package main

import (
	"github.com/jmoiron/sqlx"

	"github.com/akinalp/parley/repository"
)

// Repositories holds every repository instance.
type Repositories struct {
	User         repository.UserRepository
	Session      repository.SessionRepository
	Conversation repository.ConversationRepository
	Message      repository.MessageRepository
	Reaction     repository.ReactionRepository
}

// initRepositories builds the repositories on the shared pool. Services
// that need a transaction build tx-bound copies themselves.
func initRepositories(conn *sqlx.DB) *Repositories {
	return &Repositories{
		User:         repository.NewSQLUserRepo(conn),
		Session:      repository.NewSQLSessionRepo(conn),
		Conversation: repository.NewSQLConversationRepo(conn),
		Message:      repository.NewSQLMessageRepo(conn),
		Reaction:     repository.NewSQLReactionRepo(conn),
	}
}
