package vault

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
)

const (
	intentKeyPrefix     = "vault_intent_"
	intentStatusPending = "pending"
	intentStatusDone    = "done"
	intentStatusFailed  = "failed"

	// finished intents kept in memory; the WAL keeps the full history
	maxRetainedIntents = 256
)

// Intent is the journal record of one mutating vault call.
type Intent struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Operation string          `json:"operation"`
	Caller    common.Address  `json:"caller"`
	Amount    decimal.Decimal `json:"amount"`
	Time      time.Time       `json:"time"`
	Error     string          `json:"error,omitempty"`
}

type intentJournal struct {
	wal     *gowal.Wal
	intents []*Intent
	index   map[string]*Intent
}

// newIntentJournal indexes recovered records; a later record with the same ID replaces the
// earlier one, so the last written status wins.
func newIntentJournal(wal *gowal.Wal, recovered []*Intent) *intentJournal {
	j := &intentJournal{
		wal:   wal,
		index: make(map[string]*Intent),
	}
	for _, intent := range recovered {
		if existing, ok := j.index[intent.ID]; ok {
			*existing = *intent
			continue
		}
		j.intents = append(j.intents, intent)
		j.index[intent.ID] = intent
	}
	return j
}

func (j *intentJournal) Prepare(operation string, caller common.Address, amount decimal.Decimal, eventTime time.Time) (*Intent, error) {
	intent := &Intent{
		ID:        uuid.New().String(),
		Status:    intentStatusPending,
		Operation: operation,
		Caller:    caller,
		Amount:    amount,
		Time:      eventTime,
	}

	if err := j.persist(intent); err != nil {
		return nil, err
	}

	j.intents = append(j.intents, intent)
	j.index[intent.ID] = intent
	return intent, nil
}

func (j *intentJournal) MarkFailed(intent *Intent, err error) error {
	if intent == nil {
		return nil
	}
	intent.Status = intentStatusFailed
	if err != nil {
		intent.Error = err.Error()
	} else {
		intent.Error = ""
	}
	defer j.compact()
	return j.persist(intent)
}

func (j *intentJournal) MarkDone(intent *Intent) error {
	if intent == nil {
		return nil
	}
	intent.Status = intentStatusDone
	intent.Error = ""
	defer j.compact()
	return j.persist(intent)
}

func (j *intentJournal) Intents() []*Intent {
	return j.intents
}

func (j *intentJournal) Pending() []*Intent {
	pending := make([]*Intent, 0)
	for _, it := range j.intents {
		if it != nil && it.Status == intentStatusPending {
			pending = append(pending, it)
		}
	}
	return pending
}

// compact drops the oldest finished intents from memory once the retention limit is exceeded.
func (j *intentJournal) compact() {
	excess := len(j.intents) - maxRetainedIntents
	if excess <= 0 {
		return
	}

	kept := make([]*Intent, 0, maxRetainedIntents)
	for _, it := range j.intents {
		if excess > 0 && it.Status != intentStatusPending {
			delete(j.index, it.ID)
			excess--
			continue
		}
		kept = append(kept, it)
	}
	j.intents = kept
}

func (j *intentJournal) persist(intent *Intent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return errors.Wrap(err, "failed to marshal vault intent")
	}
	key := fmt.Sprintf("%s%s", intentKeyPrefix, intent.ID)
	nextIndex := j.wal.CurrentIndex() + 1
	return j.wal.Write(nextIndex, key, data)
}
