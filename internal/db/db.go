// Package db
package db

import (
	"context"
	"database/sql"

	"github.com/amirphl/bracket-trader/internal/journal"
	"github.com/amirphl/bracket-trader/internal/order"
)

// OrderRecord is an order row together with the group it belongs to.
type OrderRecord struct {
	GroupID string
	order.Order
}

// Storage is the interface for the trade journal store.
type Storage interface {
	GetDB() *sql.DB
	journal.Journaler
	SaveOrder(ctx context.Context, groupID string, o order.Order) error
	GetOrder(ctx context.Context, orderID string) (*OrderRecord, error)
	GetGroupOrders(ctx context.Context, groupID string) ([]OrderRecord, error)
	GetEvents(ctx context.Context, groupID string) ([]journal.Event, error)
}
