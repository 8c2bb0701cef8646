package supervisor_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"coopledger/crypto"
	"coopledger/services/ledgerd/cache"
	"coopledger/services/ledgerd/chain"
	"coopledger/services/ledgerd/chain/chaintest"
	"coopledger/services/ledgerd/confirm"
	"coopledger/services/ledgerd/funding"
	"coopledger/services/ledgerd/ingest"
	"coopledger/services/ledgerd/models"
	"coopledger/services/ledgerd/notify"
	"coopledger/services/ledgerd/outcome"
	"coopledger/services/ledgerd/queue"
	"coopledger/services/ledgerd/store"
	"coopledger/services/ledgerd/store/storetest"
	"coopledger/services/ledgerd/supervisor"
)

const fiveHundred = "500000000000000000000"

type harness struct {
	fake        *chaintest.Fake
	store       *store.Store
	queue       *queue.Queue
	sink        *notify.Recorder
	invalidated *cache.Recorder
	handler     *outcome.Handler
	engine      *supervisor.Engine
	reprocess   *queue.Pool
	funding     *queue.Pool
}

func newHarness(t *testing.T, welcome decimal.Decimal) *harness {
	t.Helper()
	fake := chaintest.New()
	st := storetest.NewStore(t)
	q := queue.New(st.DB())
	sink := &notify.Recorder{}
	waiter := confirm.NewWaiter(fake, confirm.WithInterval(0), confirm.WithAttempts(2))
	ing := ingest.New(st, sink)
	handler := outcome.New(fake, waiter, st, ing, q, sink)
	submitter := confirm.NewSubmitter(fake, 3, chain.PollOptions{}, nil)
	invalidated := &cache.Recorder{}
	engine := supervisor.New(fake, submitter, nil, st, ing, handler, q, sink,
		supervisor.Config{WelcomeAmount: welcome, MaxBatches: 10, Cache: invalidated}, nil)
	handler.SetSupervisor(engine)
	platformKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	platform, err := confirm.NewPlatform(fake, submitter, nil, platformKey)
	require.NoError(t, err)
	fundingHandler := funding.NewHandler(platform, waiter, st, sink, nil)

	require.NoError(t, st.CreateCooperative(context.Background(), &models.Cooperative{
		ID:           "coop-1",
		CoopContract: "ak_coop",
		EurContract:  "ak_eur",
		CoopOwner:    "ak_admin",
		EurOwner:     "ak_authority",
	}))
	return &harness{
		fake:        fake,
		store:       st,
		queue:       q,
		sink:        sink,
		invalidated: invalidated,
		handler:     handler,
		engine:      engine,
		reprocess:   queue.NewPool(q, queue.Reprocess, handler.QueueHandler(), 1, nil),
		funding:     queue.NewPool(q, queue.Funding, fundingHandler.QueueHandler(), 1, nil),
	}
}

// seedWallet stores a user wallet with a usable worker credential.
func (h *harness) seedWallet(t *testing.T, wallet string) crypto.WorkerCredential {
	t.Helper()
	cred, err := crypto.GenerateWorkerCredential()
	require.NoError(t, err)
	_, err = h.store.Upsert(context.Background(), models.TransactionRecord{
		Hash:             "th_wallet_" + wallet,
		Type:             models.TxWalletCreate,
		Wallet:           wallet,
		ToWallet:         wallet,
		WalletType:       models.WalletUser,
		TenantID:         "coop-1",
		SupervisorStatus: models.SupervisorNotRequired,
		WorkerPublicKey:  cred.PublicKey,
		WorkerSecretKey:  cred.SecretKey,
	})
	require.NoError(t, err)
	return cred
}

func (h *harness) record(t *testing.T, hash string) models.TransactionRecord {
	t.Helper()
	records, err := h.store.FindByHash(context.Background(), hash)
	require.NoError(t, err)
	require.Len(t, records, 1)
	return records[0]
}

func investLog() []chain.LogEntry {
	return []chain.LogEntry{chaintest.Event("ak_proj1", string(ingest.EventProjectInvestment), "ak_alice", fiveHundred)}
}

func TestApproveInvestmentChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, decimal.Zero)
	h.seedWallet(t, "ak_alice")
	h.fake.DryRunFunc = func(req chain.DryRunRequest) (*chain.Execution, error) {
		switch req.Function {
		case supervisor.FnInvest:
			return &chain.Execution{ReturnType: chain.ReturnOK, Log: investLog()}, nil
		case supervisor.FnIsFullyFunded:
			return &chain.Execution{ReturnType: chain.ReturnOK, ReturnValue: "false"}, nil
		}
		return &chain.Execution{ReturnType: chain.ReturnOK}, nil
	}
	h.fake.Execute = func(op chain.Operation) chain.Execution {
		if op.Function == supervisor.FnInvest {
			return chain.Execution{ReturnType: chain.ReturnOK, Log: investLog()}
		}
		return chain.Execution{ReturnType: chain.ReturnOK}
	}
	h.fake.Include(chain.OperationInfo{Hash: "th_approve", Execution: chain.Execution{
		CallerID:   "ak_alice",
		ContractID: "ak_eur",
		Function:   "approve",
		ReturnType: chain.ReturnOK,
		Log:        []chain.LogEntry{chaintest.Event("ak_eur", string(ingest.EventApproveSpender), "ak_alice", "ak_proj1", fiveHundred)},
	}})

	require.NoError(t, h.handler.Process(ctx, "th_approve"))

	approval := h.record(t, "th_approve")
	require.Equal(t, models.TxApproveInvestment, approval.Type)
	require.Equal(t, models.StateMined, approval.State)
	require.Equal(t, models.SupervisorRequired, approval.SupervisorStatus)

	require.Len(t, h.fake.DryRuns, 1)
	require.Equal(t, "ak_alice", h.fake.DryRuns[0].CallerID)
	require.Equal(t, "ak_proj1", h.fake.DryRuns[0].ContractID)
	require.Equal(t, supervisor.FnInvest, h.fake.DryRuns[0].Function)
	require.Equal(t, []string{supervisor.FnInvest}, h.fake.SubmittedFunctions())

	followUp := chain.OperationHash(h.fake.Submitted[0])
	invest := h.record(t, followUp)
	require.Equal(t, models.TxInvest, invest.Type)
	require.Equal(t, models.StatePending, invest.State)
	require.NotNil(t, invest.OriginatedFrom)
	require.Equal(t, "th_approve", *invest.OriginatedFrom)
	require.Equal(t, "coop-1", invest.TenantID)

	n, err := h.reprocess.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, models.StateMined, h.record(t, followUp).State)
	require.Equal(t, models.SupervisorProcessed, h.record(t, "th_approve").SupervisorStatus)

	// Re-driving a settled hash changes nothing and triggers nothing.
	require.NoError(t, h.handler.Process(ctx, "th_approve"))
	require.NoError(t, h.handler.Process(ctx, followUp))
	require.Len(t, h.fake.Submitted, 1)
	require.Equal(t, models.SupervisorProcessed, h.record(t, "th_approve").SupervisorStatus)
}

func TestDryRunFailureClosesOrigin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, decimal.Zero)
	h.seedWallet(t, "ak_alice")
	h.fake.DryRunFunc = func(req chain.DryRunRequest) (*chain.Execution, error) {
		return &chain.Execution{ReturnType: chain.ReturnRevert, ReturnValue: "cap_reached"}, nil
	}
	h.fake.Include(chain.OperationInfo{Hash: "th_approve", Execution: chain.Execution{
		CallerID:   "ak_alice",
		ContractID: "ak_eur",
		ReturnType: chain.ReturnOK,
		Log:        []chain.LogEntry{chaintest.Event("ak_eur", string(ingest.EventApproveSpender), "ak_alice", "ak_proj1", fiveHundred)},
	}})

	require.NoError(t, h.handler.Process(ctx, "th_approve"))
	require.Empty(t, h.fake.Submitted)
	require.Equal(t, models.SupervisorProcessed, h.record(t, "th_approve").SupervisorStatus)
}

func TestWalletCreateFunding(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, decimal.RequireFromString("0.3"))
	h.fake.Include(chain.OperationInfo{Hash: "th_bob", Execution: chain.Execution{
		CallerID:   "ak_admin",
		ContractID: "ak_coop",
		Function:   "add_wallet",
		ReturnType: chain.ReturnOK,
		Log:        []chain.LogEntry{chaintest.Event("ak_coop", string(ingest.EventWalletCreated), "ak_bob")},
	}})

	require.NoError(t, h.handler.Process(ctx, "th_bob"))
	require.NoError(t, h.handler.Process(ctx, "th_bob"))

	bob := h.record(t, "th_bob")
	require.Equal(t, models.WalletUser, bob.WalletType)
	require.Equal(t, models.SupervisorRequired, bob.SupervisorStatus)
	require.NotEmpty(t, bob.WorkerPublicKey)

	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats[queue.Funding][models.JobQueued])

	n, err := h.funding.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	expected, _ := new(big.Int).SetString("300000000000000000", 10)
	require.Len(t, h.fake.Funded, 2)
	require.Equal(t, "ak_bob", h.fake.Funded[0].Account)
	require.Equal(t, bob.WorkerPublicKey, h.fake.Funded[1].Account)
	for _, call := range h.fake.Funded {
		require.Zero(t, call.Amount.Cmp(expected))
	}
	require.Equal(t, models.SupervisorProcessed, h.record(t, "th_bob").SupervisorStatus)
	require.GreaterOrEqual(t, h.sink.Count("ak_bob"), 1)
}

func TestWalletCreateWithoutWelcomeClosesImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, decimal.Zero)
	h.fake.Include(chain.OperationInfo{Hash: "th_carol", Execution: chain.Execution{
		CallerID:   "ak_admin",
		ContractID: "ak_coop",
		ReturnType: chain.ReturnOK,
		Log:        []chain.LogEntry{chaintest.Event("ak_coop", string(ingest.EventWalletCreated), "ak_carol")},
	}})
	require.NoError(t, h.handler.Process(ctx, "th_carol"))
	require.Equal(t, models.SupervisorProcessed, h.record(t, "th_carol").SupervisorStatus)
	require.Equal(t, []string{"coop-1"}, h.invalidated.Tenants())
	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	require.Empty(t, stats[queue.Funding])
}

func TestRevenuePayoutLoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, decimal.Zero)
	h.seedWallet(t, "ak_init")
	const batches = 3
	paid := 0
	unsettled := false
	h.fake.DryRunFunc = func(req chain.DryRunRequest) (*chain.Execution, error) {
		switch req.Function {
		case supervisor.FnPayoutRevenueBatch:
			previous, err := h.store.Find(ctx, store.Filter{Types: []models.TxType{models.TxSharePayout}})
			require.NoError(t, err)
			for _, rec := range previous {
				if rec.State != models.StateMined {
					unsettled = true
				}
			}
			return &chain.Execution{ReturnType: chain.ReturnOK, Log: []chain.LogEntry{
				chaintest.Event("ak_proj1", string(ingest.EventRevenueShareReturned), "ak_investor", "10000000000000000000"),
			}}, nil
		case supervisor.FnHasPendingBatches:
			if paid < batches {
				return &chain.Execution{ReturnType: chain.ReturnOK, ReturnValue: "true"}, nil
			}
			return &chain.Execution{ReturnType: chain.ReturnOK, ReturnValue: "false"}, nil
		}
		return &chain.Execution{ReturnType: chain.ReturnOK}, nil
	}
	h.fake.Execute = func(op chain.Operation) chain.Execution {
		if op.Function == supervisor.FnPayoutRevenueBatch {
			paid++
			return chain.Execution{ReturnType: chain.ReturnOK, Log: []chain.LogEntry{
				chaintest.Event("ak_proj1", string(ingest.EventRevenueShareReturned), "ak_investor", "10000000000000000000"),
			}}
		}
		return chain.Execution{ReturnType: chain.ReturnOK}
	}
	h.fake.Include(chain.OperationInfo{Hash: "th_payout", Execution: chain.Execution{
		CallerID:   "ak_init",
		ContractID: "ak_proj1",
		ReturnType: chain.ReturnOK,
		Log:        []chain.LogEntry{chaintest.Event("ak_proj1", string(ingest.EventStartRevenuePayout), "30000000000000000000")},
	}})

	require.NoError(t, h.handler.Process(ctx, "th_payout"))

	require.Equal(t, []string{supervisor.FnPayoutRevenueBatch, supervisor.FnPayoutRevenueBatch, supervisor.FnPayoutRevenueBatch},
		h.fake.SubmittedFunctions())
	require.False(t, unsettled)
	payouts, err := h.store.Find(ctx, store.Filter{Types: []models.TxType{models.TxSharePayout}})
	require.NoError(t, err)
	require.Len(t, payouts, batches)
	for _, rec := range payouts {
		require.Equal(t, models.StateMined, rec.State)
		require.NotNil(t, rec.OriginatedFrom)
		require.Equal(t, "th_payout", *rec.OriginatedFrom)
	}
	require.Equal(t, models.SupervisorProcessed, h.record(t, "th_payout").SupervisorStatus)
}

func TestOwnershipTransferUpdatesTenant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, decimal.Zero)
	h.fake.Include(chain.OperationInfo{Hash: "th_owner", Execution: chain.Execution{
		CallerID:   "ak_authority",
		ContractID: "ak_eur",
		ReturnType: chain.ReturnOK,
		Log:        []chain.LogEntry{chaintest.Event("ak_eur", string(ingest.EventEurOwnershipTransfer), "ak_new_authority")},
	}})
	require.NoError(t, h.handler.Process(ctx, "th_owner"))

	coop, err := h.store.Cooperative(ctx, "coop-1")
	require.NoError(t, err)
	require.Equal(t, "ak_new_authority", coop.EurOwner)
	events := h.sink.Events()
	require.Len(t, events, 1)
	require.Equal(t, notify.TopicTenantRoleUpdated, events[0].Topic)
}

func TestResumeClosesSettledChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, decimal.Zero)
	res, err := h.store.Upsert(ctx, models.TransactionRecord{
		Hash:             "th_origin",
		Type:             models.TxApproveInvestment,
		FromWallet:       "ak_alice",
		ToWallet:         "ak_proj1",
		SupervisorStatus: models.SupervisorRequired,
	})
	require.NoError(t, err)
	_, err = h.store.TransitionState(ctx, res.Record.ID, models.StateMined, "")
	require.NoError(t, err)
	origin := "th_origin"
	follow, err := h.store.Upsert(ctx, models.TransactionRecord{
		Hash:           "th_follow",
		Type:           models.TxInvest,
		FromWallet:     "ak_alice",
		ToWallet:       "ak_proj1",
		OriginatedFrom: &origin,
	})
	require.NoError(t, err)
	_, err = h.store.TransitionState(ctx, follow.Record.ID, models.StateMined, "")
	require.NoError(t, err)

	require.NoError(t, h.engine.Resume(ctx, h.record(t, "th_origin")))
	require.Equal(t, models.SupervisorProcessed, h.record(t, "th_origin").SupervisorStatus)
	require.Empty(t, h.fake.Submitted)
}

// seedMined stores a MINED record still waiting for its follow-up.
func (h *harness) seedMined(t *testing.T, rec models.TransactionRecord) {
	t.Helper()
	ctx := context.Background()
	res, err := h.store.Upsert(ctx, rec)
	require.NoError(t, err)
	_, err = h.store.TransitionState(ctx, res.Record.ID, models.StateMined, "")
	require.NoError(t, err)
}

func payoutOrigin() models.TransactionRecord {
	return models.TransactionRecord{
		Hash:             "th_payout",
		Type:             models.TxStartRevenuePayout,
		FromWallet:       "ak_init",
		ToWallet:         "ak_proj1",
		TenantID:         "coop-1",
		SupervisorStatus: models.SupervisorRequired,
	}
}

func TestRevenuePayoutStopsOnRevertedBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, decimal.Zero)
	h.seedWallet(t, "ak_init")
	h.fake.DryRunFunc = func(req chain.DryRunRequest) (*chain.Execution, error) {
		switch req.Function {
		case supervisor.FnPayoutRevenueBatch:
			return &chain.Execution{ReturnType: chain.ReturnOK, Log: []chain.LogEntry{
				chaintest.Event("ak_proj1", string(ingest.EventRevenueShareReturned), "ak_investor", "10000000000000000000"),
			}}, nil
		case supervisor.FnHasPendingBatches:
			return &chain.Execution{ReturnType: chain.ReturnOK, ReturnValue: "true"}, nil
		}
		return &chain.Execution{ReturnType: chain.ReturnOK}, nil
	}
	h.fake.Execute = func(op chain.Operation) chain.Execution {
		if op.Function == supervisor.FnPayoutRevenueBatch {
			return chain.Execution{ReturnType: chain.ReturnRevert, ReturnValue: "insufficient_revenue"}
		}
		return chain.Execution{ReturnType: chain.ReturnOK}
	}
	h.fake.Include(chain.OperationInfo{Hash: "th_payout", Execution: chain.Execution{
		CallerID:   "ak_init",
		ContractID: "ak_proj1",
		ReturnType: chain.ReturnOK,
		Log:        []chain.LogEntry{chaintest.Event("ak_proj1", string(ingest.EventStartRevenuePayout), "30000000000000000000")},
	}})

	require.NoError(t, h.handler.Process(ctx, "th_payout"))

	require.Equal(t, []string{supervisor.FnPayoutRevenueBatch}, h.fake.SubmittedFunctions())
	batch := h.record(t, chain.OperationHash(h.fake.Submitted[0]))
	require.Equal(t, models.StateFailed, batch.State)
	require.Equal(t, "decoded: insufficient_revenue", batch.ErrorMessage)
	require.Equal(t, models.SupervisorProcessed, h.record(t, "th_payout").SupervisorStatus)
}

func TestResumeLeavesRunningPayoutAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, decimal.Zero)
	h.seedWallet(t, "ak_init")
	h.seedMined(t, payoutOrigin())

	// The payout loop runs inside the origin's reprocess job.
	require.NoError(t, h.queue.EnqueueReprocess(ctx, "th_payout"))
	job, err := h.queue.Claim(ctx, queue.Reprocess)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, h.engine.Resume(ctx, h.record(t, "th_payout")))
	require.Empty(t, h.fake.Submitted)
	require.Empty(t, h.fake.DryRuns)
	require.Equal(t, models.SupervisorRequired, h.record(t, "th_payout").SupervisorStatus)
}

func TestResumeLeavesPendingBatchAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, decimal.Zero)
	h.seedWallet(t, "ak_init")
	h.seedMined(t, payoutOrigin())
	origin := "th_payout"
	_, err := h.store.Upsert(ctx, models.TransactionRecord{
		Hash:           "th_batch_1",
		Type:           models.TxSharePayout,
		FromWallet:     "ak_proj1",
		ToWallet:       "ak_investor",
		TenantID:       "coop-1",
		Function:       supervisor.FnPayoutRevenueBatch,
		OriginatedFrom: &origin,
	})
	require.NoError(t, err)

	require.NoError(t, h.engine.Resume(ctx, h.record(t, "th_payout")))
	require.Empty(t, h.fake.Submitted)
	require.Equal(t, models.SupervisorRequired, h.record(t, "th_payout").SupervisorStatus)
}

func TestResumeContinuesPayoutWithPendingBatches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, decimal.Zero)
	h.seedWallet(t, "ak_init")
	h.seedMined(t, payoutOrigin())
	origin := "th_payout"
	h.seedMined(t, models.TransactionRecord{
		Hash:           "th_batch_1",
		Type:           models.TxSharePayout,
		FromWallet:     "ak_proj1",
		ToWallet:       "ak_investor",
		TenantID:       "coop-1",
		Function:       supervisor.FnPayoutRevenueBatch,
		OriginatedFrom: &origin,
	})
	paid := 0
	h.fake.DryRunFunc = func(req chain.DryRunRequest) (*chain.Execution, error) {
		switch req.Function {
		case supervisor.FnPayoutRevenueBatch:
			return &chain.Execution{ReturnType: chain.ReturnOK, Log: []chain.LogEntry{
				chaintest.Event("ak_proj1", string(ingest.EventRevenueShareReturned), "ak_investor", "10000000000000000000"),
			}}, nil
		case supervisor.FnHasPendingBatches:
			if paid == 0 {
				return &chain.Execution{ReturnType: chain.ReturnOK, ReturnValue: "true"}, nil
			}
			return &chain.Execution{ReturnType: chain.ReturnOK, ReturnValue: "false"}, nil
		}
		return &chain.Execution{ReturnType: chain.ReturnOK}, nil
	}
	h.fake.Execute = func(op chain.Operation) chain.Execution {
		if op.Function == supervisor.FnPayoutRevenueBatch {
			paid++
		}
		return chain.Execution{ReturnType: chain.ReturnOK}
	}

	require.NoError(t, h.engine.Resume(ctx, h.record(t, "th_payout")))
	require.Equal(t, []string{supervisor.FnPayoutRevenueBatch}, h.fake.SubmittedFunctions())
	require.Equal(t, models.SupervisorProcessed, h.record(t, "th_payout").SupervisorStatus)
}

func TestInvestPublishesFullyFunded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, decimal.Zero)
	h.seedWallet(t, "ak_alice")
	h.fake.DryRunFunc = func(req chain.DryRunRequest) (*chain.Execution, error) {
		if req.Function == supervisor.FnIsFullyFunded {
			return &chain.Execution{ReturnType: chain.ReturnOK, ReturnValue: "true"}, nil
		}
		return &chain.Execution{ReturnType: chain.ReturnOK}, nil
	}
	h.fake.Include(chain.OperationInfo{Hash: "th_invest", Execution: chain.Execution{
		CallerID:   "ak_alice",
		ContractID: "ak_proj1",
		Function:   supervisor.FnInvest,
		ReturnType: chain.ReturnOK,
		Log:        investLog(),
	}})

	require.NoError(t, h.handler.Process(ctx, "th_invest"))

	events := h.sink.Events()
	require.Len(t, events, 1)
	require.Equal(t, notify.TopicProjectFullyFunded, events[0].Topic)
	require.Equal(t, map[string]string{
		"tenant":  "coop-1",
		"project": "ak_proj1",
		"hash":    "th_invest",
	}, events[0].Payload)

	// A later INVEST that leaves the project short publishes nothing.
	h.fake.DryRunFunc = nil
	h.fake.Include(chain.OperationInfo{Hash: "th_invest_2", Execution: chain.Execution{
		CallerID:   "ak_alice",
		ContractID: "ak_proj1",
		ReturnType: chain.ReturnOK,
		Log:        investLog(),
	}})
	require.NoError(t, h.handler.Process(ctx, "th_invest_2"))
	require.Len(t, h.sink.Events(), 1)
}
