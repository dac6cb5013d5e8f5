// Package postgres implements ledger.Store on pgx. The settlement claim
// is an insert into settlement_claims inside the same transaction as the
// entry insert and the balance update, so the database linearizes
// concurrent deliveries of one settlement identifier.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"satbank/internal/ledger"
)

const uniqueViolation = "23505"

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
create table if not exists users (
  id bigserial primary key,
  username text not null unique,
  password_hash text not null default '',
  address text not null default '',
  balance bigint not null default 0,
  channelbalance bigint not null default 0,
  channel text not null default '',
  created_at timestamptz not null default now()
);
create table if not exists ledger_entries (
  id bigserial primary key,
  username text not null references users(username),
  identifier text not null unique,
  amount bigint not null,
  rate double precision not null default 0,
  currency text not null default '',
  received boolean not null default false,
  created_at timestamptz not null default now()
);
create table if not exists settlement_claims (
  identifier text primary key,
  claimed_at timestamptz not null default now()
);
create index if not exists ledger_entries_username_idx on ledger_entries (username);
`)
	return err
}

func (s *Store) CreateUser(ctx context.Context, u *ledger.User) error {
	row := s.db.QueryRow(ctx, `
insert into users (username, password_hash, address)
values ($1, $2, $3)
returning id, created_at`,
		u.Username, u.PasswordHash, u.Address,
	)
	if err := row.Scan(&u.ID, &u.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateUser
		}
		return err
	}
	return nil
}

func (s *Store) UserByName(ctx context.Context, username string) (*ledger.User, error) {
	row := s.db.QueryRow(ctx, `
select id, username, password_hash, address, balance, channelbalance, channel, created_at
from users where username = $1`, username)
	return scanUser(row)
}

func (s *Store) ListUsers(ctx context.Context) ([]ledger.User, error) {
	rows, err := s.db.Query(ctx, `
select id, username, password_hash, address, balance, channelbalance, channel, created_at
from users order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []ledger.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *Store) ApplySettlement(ctx context.Context, set ledger.Settlement) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
insert into settlement_claims (identifier) values ($1)
on conflict (identifier) do nothing`, set.ClaimID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	entry := set.Entry
	row := tx.QueryRow(ctx, `
insert into ledger_entries (username, identifier, amount, rate, currency, received)
values ($1, $2, $3, $4, $5, true)
returning id, created_at`,
		entry.Username, entry.Identifier, entry.Amount, entry.Rate, entry.Currency,
	)
	if err := row.Scan(&entry.ID, &entry.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return false, ledger.ErrDuplicateEntry
		}
		return false, err
	}

	tag, err = tx.Exec(ctx, `
update users set balance = balance + $1, channelbalance = channelbalance + $2
where username = $3`, set.BalanceDelta, set.ChannelDelta, entry.Username)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, ledger.ErrUserNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) CreateEntry(ctx context.Context, e *ledger.Entry) error {
	row := s.db.QueryRow(ctx, `
insert into ledger_entries (username, identifier, amount, rate, currency, received)
values ($1, $2, $3, $4, $5, $6)
returning id, created_at`,
		e.Username, e.Identifier, e.Amount, e.Rate, e.Currency, e.Received,
	)
	if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateEntry
		}
		return err
	}
	return nil
}

func (s *Store) SettleInvoice(ctx context.Context, identifier string, amount int64) (*ledger.Entry, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
update ledger_entries set received = true, amount = $2
where identifier = $1 and not received
returning id, username, identifier, amount, rate, currency, received, created_at`,
		identifier, amount)

	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	tag, err := tx.Exec(ctx, `
update users set channelbalance = channelbalance + $1 where username = $2`,
		amount, entry.Username)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 0 {
		return nil, false, ledger.ErrUserNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

func (s *Store) EntryByIdentifier(ctx context.Context, identifier string) (*ledger.Entry, error) {
	row := s.db.QueryRow(ctx, `
select id, username, identifier, amount, rate, currency, received, created_at
from ledger_entries where identifier = $1`, identifier)

	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrEntryNotFound
	}
	return entry, err
}

func (s *Store) ShiftBalance(ctx context.Context, username string, balanceDelta, channelDelta int64, channel string) error {
	tag, err := s.db.Exec(ctx, `
update users set
  balance = balance + $1,
  channelbalance = channelbalance + $2,
  channel = case when $3 <> '' then $3 else channel end
where username = $4`, balanceDelta, channelDelta, channel, username)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrUserNotFound
	}
	return nil
}

func (s *Store) SumEntries(ctx context.Context, username string) (int64, error) {
	var sum int64
	err := s.db.QueryRow(ctx, `
select coalesce(sum(amount), 0) from ledger_entries
where username = $1 and received`, username).Scan(&sum)
	return sum, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*ledger.User, error) {
	var u ledger.User
	err := row.Scan(
		&u.ID, &u.Username, &u.PasswordHash, &u.Address,
		&u.Balance, &u.ChannelBalance, &u.Channel, &u.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanEntry(row rowScanner) (*ledger.Entry, error) {
	var e ledger.Entry
	err := row.Scan(
		&e.ID, &e.Username, &e.Identifier, &e.Amount,
		&e.Rate, &e.Currency, &e.Received, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
