package ingest

import (
	"errors"

	"coopledger/services/ledgerd/chain"
)

var (
	// ErrUnknownEvent is returned for a log topic missing from the event table. It is never
	// retried: dropping the entry would leave the ledger incomplete.
	ErrUnknownEvent = errors.New("ingest: unknown event")
	// ErrMalformedEvent is returned when an event carries fewer values than its layout needs.
	ErrMalformedEvent = errors.New("ingest: malformed event")
)

// Event is a contract event name.
type Event string

const (
	EventWalletCreated         Event = "WalletCreated"
	EventOrgCreated            Event = "OrgCreated"
	EventProjectCreated        Event = "ProjectCreated"
	EventTokensMinted          Event = "TokensMinted"
	EventTokensBurned          Event = "TokensBurned"
	EventApproveSpender        Event = "ApproveSpender"
	EventProjectInvestment     Event = "ProjectInvestment"
	EventInvestmentCanceled    Event = "InvestmentCanceled"
	EventStartRevenuePayout    Event = "StartRevenueSharesPayout"
	EventRevenueShareReturned  Event = "RevenueShareReturned"
	EventCoopOwnershipTransfer Event = "CoopOwnershipTransferred"
	EventEurOwnershipTransfer  Event = "EurOwnershipTransferred"
	EventSellOfferCreated      Event = "SellOfferCreated"
	EventCounterOfferPlaced    Event = "CounterOfferPlaced"
	EventCounterOfferRemoved   Event = "CounterOfferRemoved"
	EventSharesSold            Event = "SharesSold"
)

// Events lists every event the ledger understands.
var Events = []Event{
	EventWalletCreated,
	EventOrgCreated,
	EventProjectCreated,
	EventTokensMinted,
	EventTokensBurned,
	EventApproveSpender,
	EventProjectInvestment,
	EventInvestmentCanceled,
	EventStartRevenuePayout,
	EventRevenueShareReturned,
	EventCoopOwnershipTransfer,
	EventEurOwnershipTransfer,
	EventSellOfferCreated,
	EventCounterOfferPlaced,
	EventCounterOfferRemoved,
	EventSharesSold,
}

var topics = func() map[string]Event {
	out := make(map[string]Event, len(Events))
	for _, ev := range Events {
		out[chain.TopicHash(string(ev))] = ev
	}
	return out
}()

// Lookup resolves a log topic to its event.
func Lookup(topic string) (Event, bool) {
	ev, ok := topics[topic]
	return ev, ok
}

// minValues is the payload arity of each event.
func (e Event) minValues() int {
	switch e {
	case EventWalletCreated, EventOrgCreated, EventProjectCreated,
		EventCoopOwnershipTransfer, EventEurOwnershipTransfer, EventStartRevenuePayout:
		return 1
	case EventTokensMinted, EventTokensBurned, EventProjectInvestment, EventInvestmentCanceled,
		EventRevenueShareReturned, EventSellOfferCreated, EventCounterOfferPlaced, EventCounterOfferRemoved:
		return 2
	case EventApproveSpender, EventSharesSold:
		return 3
	default:
		return 0
	}
}
