package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/bryan-buckman/microsub/internal/model"
)

var channelColumns = []string{
	"id", "owner", "name", "notifications", "exclude_types", "exclude_regex", "created_at", "updated_at",
}

// --- Channel Methods ---

// uidAttempts bounds how many fresh uids CreateChannel tries.
const uidAttempts = 3

// CreateChannel creates a channel with a fresh uid. A uid collision is
// retried with a new uid; it never returns a nil channel without an error.
func (db *DB) CreateChannel(ctx context.Context, owner, name string) (*model.Channel, error) {
	for range uidAttempts {
		ch, err := db.insertChannel(ctx, owner, name, false)
		if err != nil || ch != nil {
			return ch, err
		}
	}
	return nil, fmt.Errorf("create channel: uid collision after %d attempts", uidAttempts)
}

func (db *DB) insertChannel(ctx context.Context, owner, name string, notifications bool) (*model.Channel, error) {
	now := db.now().UTC().Truncate(time.Millisecond)
	ch := &model.Channel{
		ID:            db.newUID(),
		Owner:         owner,
		Name:          name,
		Notifications: notifications,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	ib := db.flavor.NewInsertBuilder()
	ib.InsertInto("channels").Cols(channelColumns...).
		Values(ch.ID, owner, name, notifications, "", "", now.UnixMilli(), now.UnixMilli())
	ib.SQL("ON CONFLICT DO NOTHING")
	query, args := ib.Build()
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return ch, nil
}

// GetChannel returns the owner's channel with the given uid.
func (db *DB) GetChannel(ctx context.Context, owner, id string) (*model.Channel, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select(channelColumns...).From("channels").Where(sb.Equal("id", id), sb.Equal("owner", owner))
	query, args := sb.Build()
	return db.queryChannel(ctx, query, args)
}

// GetChannelByID returns a channel regardless of owner.
func (db *DB) GetChannelByID(ctx context.Context, id string) (*model.Channel, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select(channelColumns...).From("channels").Where(sb.Equal("id", id))
	query, args := sb.Build()
	return db.queryChannel(ctx, query, args)
}

// ListChannels returns the owner's channels, notifications first, then by creation.
func (db *DB) ListChannels(ctx context.Context, owner string) ([]model.Channel, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select(channelColumns...).From("channels").Where(sb.Equal("owner", owner)).
		OrderBy("notifications DESC", "created_at ASC", "id ASC")
	query, args := sb.Build()
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()
	var channels []model.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *ch)
	}
	return channels, rows.Err()
}

// EnsureNotificationsChannel returns the owner's notifications channel,
// creating it on first use.
func (db *DB) EnsureNotificationsChannel(ctx context.Context, owner string) (*model.Channel, error) {
	find := func() (*model.Channel, error) {
		sb := db.flavor.NewSelectBuilder()
		sb.Select(channelColumns...).From("channels").
			Where(sb.Equal("owner", owner), sb.Equal("notifications", true))
		query, args := sb.Build()
		return db.queryChannel(ctx, query, args)
	}
	ch, err := find()
	if err == nil || !model.IsNotFound(err) {
		return ch, err
	}
	created, err := db.insertChannel(ctx, owner, model.NotificationsName, true)
	if err != nil {
		return nil, err
	}
	if created != nil {
		return created, nil
	}
	// Lost a race with a concurrent insert.
	return find()
}

// RenameChannel changes a channel's display name.
func (db *DB) RenameChannel(ctx context.Context, owner, id, name string) error {
	ub := db.flavor.NewUpdateBuilder()
	ub.Update("channels").
		Set(ub.Assign("name", name), ub.Assign("updated_at", db.now().UnixMilli())).
		Where(ub.Equal("id", id), ub.Equal("owner", owner))
	query, args := ub.Build()
	return db.execOne(ctx, "channel", query, args)
}

// UpdateChannelSettings replaces a channel's ingestion filters.
func (db *DB) UpdateChannelSettings(ctx context.Context, owner, id string, settings model.ChannelSettings) error {
	types := lo.Map(settings.ExcludeTypes, func(t model.InteractionType, _ int) string { return string(t) })
	ub := db.flavor.NewUpdateBuilder()
	ub.Update("channels").
		Set(
			ub.Assign("exclude_types", strings.Join(types, ",")),
			ub.Assign("exclude_regex", settings.ExcludeRegex),
			ub.Assign("updated_at", db.now().UnixMilli()),
		).
		Where(ub.Equal("id", id), ub.Equal("owner", owner))
	query, args := ub.Build()
	return db.execOne(ctx, "channel", query, args)
}

// DeleteChannel removes a channel and its feeds. Items are kept.
// The notifications channel cannot be deleted.
func (db *DB) DeleteChannel(ctx context.Context, owner, id string) error {
	ch, err := db.GetChannel(ctx, owner, id)
	if err != nil {
		return err
	}
	if ch.Notifications {
		return model.Invalid("cannot delete the notifications channel")
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	dfb := db.flavor.NewDeleteBuilder()
	dfb.DeleteFrom("feeds").Where(dfb.Equal("channel_id", id))
	query, args := dfb.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete channel feeds: %w", err)
	}

	dcb := db.flavor.NewDeleteBuilder()
	dcb.DeleteFrom("channels").Where(dcb.Equal("id", id), dcb.Equal("owner", owner))
	query, args = dcb.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	return tx.Commit()
}

func (db *DB) queryChannel(ctx context.Context, query string, args []interface{}) (*model.Channel, error) {
	ch, err := scanChannel(db.conn.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFound("channel")
	}
	return ch, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChannel(row scanner) (*model.Channel, error) {
	var (
		ch                   model.Channel
		excludeTypes         string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&ch.ID, &ch.Owner, &ch.Name, &ch.Notifications, &excludeTypes,
		&ch.Settings.ExcludeRegex, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if excludeTypes != "" {
		for _, t := range strings.Split(excludeTypes, ",") {
			ch.Settings.ExcludeTypes = append(ch.Settings.ExcludeTypes, model.InteractionType(t))
		}
	}
	ch.CreatedAt = time.UnixMilli(createdAt).UTC()
	ch.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &ch, nil
}

// execOne runs a statement that must touch exactly one row of resource.
func (db *DB) execOne(ctx context.Context, resource string, query string, args []interface{}) error {
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", resource, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NotFound(resource)
	}
	return nil
}
