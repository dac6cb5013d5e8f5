package wallet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"satbank/internal/ledger"
	"satbank/internal/lnode"
)

func TestRegisterAllocatesAddress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.node.addresses = []string{"bcrt1qnew1"}

	user, err := env.engine.Register(ctx, "alice", "hunter2")
	require.NoError(t, err)
	require.Equal(t, "bcrt1qnew1", user.Address)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("hunter2")))

	// The registry resolves the new address immediately, without a
	// restart.
	owner, ok := env.registry.Owner("bcrt1qnew1")
	require.True(t, ok)
	require.Equal(t, "alice", owner)
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Register(ctx, "", "hunter2")
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = env.engine.Register(ctx, "alice", "x")
	require.ErrorAs(t, err, &verr)
}

func TestRegisterDuplicateUsername(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.node.addresses = []string{"bcrt1qnew1", "bcrt1qnew2"}
	_, err := env.engine.Register(ctx, "alice", "hunter2")
	require.NoError(t, err)

	_, err = env.engine.Register(ctx, "alice", "hunter3")
	require.ErrorIs(t, err, ledger.ErrDuplicateUser)
}

func TestCloseChannelsAbsorbsChannelBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addUser(t, "alice", "", 4_000, 16_000)

	user, err := env.engine.CloseChannels(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 20_000, user.Balance)
	require.EqualValues(t, 0, user.ChannelBalance)
	env.requireInvariant(t, "alice")

	// Idempotent once the channel balance is zero.
	user, err = env.engine.CloseChannels(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 20_000, user.Balance)
}

func TestAddInvoiceRegistersPendingEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addUser(t, "bob", "", 0, 0)
	env.node.invoice = lnode.Invoice{PaymentRequest: "lnbc1invoice", Hash: "ab12"}

	invoice, err := env.engine.AddInvoice(ctx, "bob", 2_500)
	require.NoError(t, err)
	require.Equal(t, "lnbc1invoice", invoice.PaymentRequest)

	entry, err := env.store.EntryByIdentifier(ctx, "lnbc1invoice")
	require.NoError(t, err)
	require.False(t, entry.Received)
	require.EqualValues(t, 2_500, entry.Amount)

	// Issued but unsettled: no balance effect yet.
	user, err := env.store.UserByName(ctx, "bob")
	require.NoError(t, err)
	require.EqualValues(t, 0, user.ChannelBalance)
	env.requireInvariant(t, "bob")
}

func TestAddInvoiceRejectsNonPositiveAmount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addUser(t, "bob", "", 0, 0)

	_, err := env.engine.AddInvoice(ctx, "bob", 0)
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestSettlementCreditsInvoiceOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addUser(t, "bob", "", 0, 0)
	env.node.invoice = lnode.Invoice{PaymentRequest: "lnbc1invoice", Hash: "ab12"}
	_, err := env.engine.AddInvoice(ctx, "bob", 2_500)
	require.NoError(t, err)

	settlement := lnode.Settlement{
		PaymentRequest: "lnbc1invoice",
		Hash:           "ab12",
		AmountSat:      2_500,
	}

	// Delivered twice, e.g. once per subscribed node.
	env.engine.settle(ctx, settlement)
	env.engine.settle(ctx, settlement)

	user, err := env.store.UserByName(ctx, "bob")
	require.NoError(t, err)
	require.EqualValues(t, 2_500, user.ChannelBalance)
	env.requireInvariant(t, "bob")

	require.Equal(t, []string{"bob:invoice"}, env.notifier.events)
}

func TestSettlementForUnknownInvoiceIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addUser(t, "bob", "", 0, 0)

	env.engine.settle(ctx, lnode.Settlement{
		PaymentRequest: "lnbc1stranger",
		Hash:           "cd34",
		AmountSat:      999,
	})

	user, err := env.store.UserByName(ctx, "bob")
	require.NoError(t, err)
	require.EqualValues(t, 0, user.ChannelBalance)
	require.Empty(t, env.notifier.events)
}
