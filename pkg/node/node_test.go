package node

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/lend/pkg/lend"
	"github.com/luxfi/lend/pkg/store"
)

func testDB(t *testing.T) database.Database {
	t.Helper()
	dbManager := manager.NewManager(t.TempDir(), nil)
	db, err := dbManager.New(manager.DefaultMemoryConfig())
	require.NoError(t, err)
	return db
}

func testID(tag string) ids.ShortID {
	return lend.DeriveIdentity([]byte(tag))
}

// okCustody accepts every outbound transfer.
type okCustody struct{}

func (okCustody) Send(ids.ShortID, *uint256.Int) error { return nil }

func testNode(t *testing.T, db database.Database) *Node {
	t.Helper()
	var st *store.Store
	if db != nil {
		var err error
		st, err = store.Open(db)
		require.NoError(t, err)
	}
	cfg := lend.DefaultEngineConfig()
	cfg.Custody = okCustody{}
	n, err := New(Config{
		Engine:    lend.NewLendingEngine(cfg),
		Store:     st,
		BlockTime: time.Hour, // sealed manually in tests
	})
	require.NoError(t, err)
	return n
}

func TestNodeRequiresEngine(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNodeAppliesTransitions(t *testing.T) {
	alice := testID("alice")
	n := testNode(t, nil)

	res, err := n.Deposit(alice, uint256.NewInt(150))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Event.Sequence)
	assert.Equal(t, lend.EventDeposited, res.Event.Kind)
	assert.Equal(t, uint256.NewInt(150), res.Account.Collateral)

	res, err = n.Borrow(alice, uint256.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, lend.EventBorrowed, res.Event.Kind)
	assert.Equal(t, uint256.NewInt(100), res.Account.Debt)

	res, err = n.Repay(alice, uint256.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, lend.EventRepaid, res.Event.Kind)

	res, err = n.Withdraw(alice, uint256.NewInt(150))
	require.NoError(t, err)
	assert.Equal(t, lend.EventWithdrawn, res.Event.Kind)
	assert.True(t, res.Account.Collateral.IsZero())
}

func TestNodePropagatesTypedErrors(t *testing.T) {
	alice := testID("alice")
	n := testNode(t, nil)

	_, err := n.Borrow(alice, uint256.NewInt(10))
	assert.ErrorIs(t, err, lend.ErrInsufficientCollateral)

	_, err = n.Deposit(alice, uint256.NewInt(0))
	assert.ErrorIs(t, err, lend.ErrZeroAmount)

	_, err = n.Claim(alice)
	assert.ErrorIs(t, err, lend.ErrNothingToClaim)
}

func TestNodePersistsAndReplays(t *testing.T) {
	alice := testID("alice")
	bob := testID("bob")
	db := testDB(t)

	n := testNode(t, db)
	_, err := n.Deposit(alice, uint256.NewInt(150))
	require.NoError(t, err)
	_, err = n.Borrow(alice, uint256.NewInt(100))
	require.NoError(t, err)
	_, err = n.Deposit(bob, uint256.NewInt(30))
	require.NoError(t, err)
	n.sealCheckpoint()
	height := n.Info().Height

	// A fresh node over the same database resumes where this one
	// stopped.
	n2 := testNode(t, db)
	snap := n2.Account(alice)
	assert.Equal(t, uint256.NewInt(150), snap.Collateral)
	assert.Equal(t, uint256.NewInt(100), snap.Debt)

	info := n2.Info()
	assert.Equal(t, uint64(3), info.LastSequence)
	assert.Equal(t, height, info.Height)
	assert.Equal(t, 2, info.Accounts)

	// New transitions continue the restored sequence.
	res, err := n2.Repay(alice, uint256.NewInt(40))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), res.Event.Sequence)
}

func TestNodeSealsCheckpoints(t *testing.T) {
	alice := testID("alice")
	n := testNode(t, nil)

	t.Run("EmptyIntervalSealsNothing", func(t *testing.T) {
		n.sealCheckpoint()
		info := n.Info()
		assert.Equal(t, uint64(0), info.Height)
	})

	t.Run("SealsAfterTransitions", func(t *testing.T) {
		_, err := n.Deposit(alice, uint256.NewInt(150))
		require.NoError(t, err)
		n.sealCheckpoint()

		info := n.Info()
		assert.Equal(t, uint64(1), info.Height)
		first := info.Checkpoint

		// Nothing new: height stays put.
		n.sealCheckpoint()
		assert.Equal(t, uint64(1), n.Info().Height)

		_, err = n.Borrow(alice, uint256.NewInt(50))
		require.NoError(t, err)
		n.sealCheckpoint()

		info = n.Info()
		assert.Equal(t, uint64(2), info.Height)
		assert.NotEqual(t, first, info.Checkpoint)
	})
}

func TestNodeEventsWindow(t *testing.T) {
	alice := testID("alice")
	n := testNode(t, nil)
	for i := 0; i < 5; i++ {
		_, err := n.Deposit(alice, uint256.NewInt(10))
		require.NoError(t, err)
	}

	events := n.Events(2, 2)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(3), events[0].Sequence)

	assert.Len(t, n.Events(0, 0), 5)
	assert.Empty(t, n.Events(5, 10))
}

func TestNodeInfo(t *testing.T) {
	alice := testID("alice")
	n := testNode(t, nil)
	_, err := n.Deposit(alice, uint256.NewInt(150))
	require.NoError(t, err)
	_, err = n.Borrow(alice, uint256.NewInt(60))
	require.NoError(t, err)

	info := n.Info()
	assert.Equal(t, "150", info.TotalCollateral)
	assert.Equal(t, "60", info.TotalDebt)
	assert.Equal(t, uint64(150), info.CollateralRatio)
	assert.Equal(t, "push", info.TransferMode)
	assert.Equal(t, 1, info.Accounts)
}

func TestNodeStartStop(t *testing.T) {
	alice := testID("alice")
	n, err := New(Config{
		Engine:    lend.NewLendingEngine(lend.DefaultEngineConfig()),
		BlockTime: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	n.Start()
	_, err = n.Deposit(alice, uint256.NewInt(150))
	require.NoError(t, err)

	// The sealer ticks at 10ms; give it a few.
	deadline := time.After(2 * time.Second)
	for n.Info().Height == 0 {
		select {
		case <-deadline:
			t.Fatal("checkpoint never sealed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	n.Stop()
}
