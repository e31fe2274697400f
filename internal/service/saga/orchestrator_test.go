package saga

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rewards/internal/domain"
	"github.com/vladislavdragonenkov/rewards/internal/messaging"
	"github.com/vladislavdragonenkov/rewards/internal/service/notification"
	"github.com/vladislavdragonenkov/rewards/internal/storage/memory"
)

type stubCodeGenerator struct {
	mu    sync.Mutex
	codes []string
	err   error
	calls int
}

func (s *stubCodeGenerator) Generate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	code := "CODE-FIXED"
	if s.calls < len(s.codes) {
		code = s.codes[s.calls]
	}
	s.calls++
	return code, nil
}

type sagaFixture struct {
	rewards  domain.RewardRepository
	redeems  domain.RedeemRepository
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	codes    *stubCodeGenerator
	orch     Orchestrator
}

func newSagaFixture(t *testing.T) *sagaFixture {
	t.Helper()
	return newSagaFixtureWith(t, memory.NewRedeemRepository())
}

func newSagaFixtureWith(t *testing.T, redeems domain.RedeemRepository) *sagaFixture {
	t.Helper()

	rewards := memory.NewRewardRepository()
	outbox := memory.NewOutboxRepository()
	timeline := memory.NewTimelineRepository()
	codes := &stubCodeGenerator{}
	notifications := notification.NewService(outbox, log.New().WithField("test", "notification"))

	orch := NewOrchestratorWithoutMetrics(rewards, redeems, outbox, timeline, codes, notifications, log.New().WithField("test", "saga"))

	return &sagaFixture{
		rewards:  rewards,
		redeems:  redeems,
		outbox:   outbox,
		timeline: timeline,
		codes:    codes,
		orch:     orch,
	}
}

func seedReward(t *testing.T, repo domain.RewardRepository, quantity int32) domain.Reward {
	t.Helper()

	reward := domain.Reward{
		ID:        "reward-1",
		Name:      "Wireless headphones",
		Category:  "electronics",
		CostMinor: 2500,
		Quantity:  quantity,
		Active:    true,
		AddedAt:   time.Now().UTC(),
	}
	if err := repo.Create(reward); err != nil {
		t.Fatalf("create reward: %v", err)
	}
	return reward
}

func collectOutbox(t *testing.T, outbox domain.OutboxRepository) []domain.OutboxMessage {
	t.Helper()

	type allPending interface {
		AllPending() []domain.OutboxMessage
	}

	repo, ok := outbox.(allPending)
	if !ok {
		t.Fatalf("outbox repository does not support AllPending")
	}
	return repo.AllPending()
}

func findEvents(msgs []domain.OutboxMessage, eventType string) []domain.OutboxMessage {
	var found []domain.OutboxMessage
	for _, msg := range msgs {
		if msg.EventType == eventType {
			found = append(found, msg)
		}
	}
	return found
}

func TestInitiateReservesStockAndEnqueuesTransaction(t *testing.T) {
	f := newSagaFixture(t)
	seedReward(t, f.rewards, 10)

	redeem, err := f.orch.Initiate("reward-1", "user@example.com", 3)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if redeem.Status != domain.RedeemStatusPending {
		t.Fatalf("expected pending redeem, got %s", redeem.Status)
	}
	if redeem.Code != "" {
		t.Fatalf("pending redeem must not have a code, got %q", redeem.Code)
	}

	reward, err := f.rewards.Get("reward-1")
	if err != nil {
		t.Fatalf("get reward: %v", err)
	}
	if reward.Reserved != 3 || reward.Quantity != 10 {
		t.Fatalf("unexpected counters after initiate: %+v", reward)
	}

	requests := findEvents(collectOutbox(t, f.outbox), domain.EventTypeTransactionRequested)
	if len(requests) != 1 {
		t.Fatalf("expected 1 transaction request, got %d", len(requests))
	}
	var request messaging.TransactionRequest
	if err := json.Unmarshal(requests[0].Payload, &request); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if request.CorrelationID != redeem.ID {
		t.Fatalf("expected correlation %s, got %s", redeem.ID, request.CorrelationID)
	}
	if request.AmountMinor != 7500 {
		t.Fatalf("expected amount 7500, got %d", request.AmountMinor)
	}
	if request.PayerID != "user@example.com" {
		t.Fatalf("unexpected payer: %s", request.PayerID)
	}

	events, err := f.timeline.List(redeem.ID)
	if err != nil {
		t.Fatalf("list timeline: %v", err)
	}
	if len(events) != 1 || events[0].Type != "RedeemRequested" {
		t.Fatalf("unexpected timeline: %+v", events)
	}
}

func TestInitiateRejectsUnknownReward(t *testing.T) {
	f := newSagaFixture(t)

	if _, err := f.orch.Initiate("missing", "user@example.com", 1); !errors.Is(err, domain.ErrRewardNotFound) {
		t.Fatalf("expected ErrRewardNotFound, got %v", err)
	}
}

func TestInitiateRejectsInsufficientStock(t *testing.T) {
	f := newSagaFixture(t)
	seedReward(t, f.rewards, 2)

	if _, err := f.orch.Initiate("reward-1", "user@example.com", 3); !errors.Is(err, domain.ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}

	// Отказ не должен оставлять ни удержаний, ни сообщений в outbox.
	reward, _ := f.rewards.Get("reward-1")
	if reward.Reserved != 0 {
		t.Fatalf("expected no reservation after rejection, got %d", reward.Reserved)
	}
	if msgs := collectOutbox(t, f.outbox); len(msgs) != 0 {
		t.Fatalf("expected empty outbox, got %d messages", len(msgs))
	}
}

func TestInitiateRejectsInvalidQuantity(t *testing.T) {
	f := newSagaFixture(t)
	seedReward(t, f.rewards, 5)

	if _, err := f.orch.Initiate("reward-1", "user@example.com", 0); !errors.Is(err, domain.ErrRedeemQtyInvalid) {
		t.Fatalf("expected ErrRedeemQtyInvalid, got %v", err)
	}
}

func TestOutcomeCompletedIssuesCodeAndCommitsStock(t *testing.T) {
	f := newSagaFixture(t)
	seedReward(t, f.rewards, 10)
	f.codes.codes = []string{"CODE-1"}

	redeem, err := f.orch.Initiate("reward-1", "user@example.com", 3)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if err := f.orch.HandleTransactionOutcome(redeem.ID, true); err != nil {
		t.Fatalf("handle outcome: %v", err)
	}

	updated, err := f.redeems.Get(redeem.ID)
	if err != nil {
		t.Fatalf("get redeem: %v", err)
	}
	if updated.Status != domain.RedeemStatusFulfilled {
		t.Fatalf("expected fulfilled, got %s", updated.Status)
	}
	if updated.Code != "CODE-1" {
		t.Fatalf("expected code CODE-1, got %q", updated.Code)
	}

	reward, _ := f.rewards.Get("reward-1")
	if reward.Quantity != 7 || reward.Sold != 3 || reward.Reserved != 0 {
		t.Fatalf("unexpected counters after fulfillment: %+v", reward)
	}

	msgs := collectOutbox(t, f.outbox)
	if len(findEvents(msgs, domain.EventTypeRedeemFulfilled)) != 1 {
		t.Fatal("expected RedeemFulfilled event")
	}

	notifications := findEvents(msgs, domain.EventTypeNotificationQueued)
	if len(notifications) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifications))
	}
	var note messaging.NotificationMessage
	if err := json.Unmarshal(notifications[0].Payload, &note); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if note.Receiver != "user@example.com" || note.Message != "Your redeem code is: CODE-1" {
		t.Fatalf("unexpected notification: %+v", note)
	}
	if !note.Email || note.Notification {
		t.Fatalf("expected email-only notification, got %+v", note)
	}
}

func TestOutcomeDeclinedReleasesStockWithoutCode(t *testing.T) {
	f := newSagaFixture(t)
	seedReward(t, f.rewards, 10)

	redeem, err := f.orch.Initiate("reward-1", "user@example.com", 3)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if err := f.orch.HandleTransactionOutcome(redeem.ID, false); err != nil {
		t.Fatalf("handle outcome: %v", err)
	}

	updated, _ := f.redeems.Get(redeem.ID)
	if updated.Status != domain.RedeemStatusFailed {
		t.Fatalf("expected failed, got %s", updated.Status)
	}
	// По отклонённой транзакции код не выпускается.
	if updated.Code != "" {
		t.Fatalf("failed redeem must not carry a code, got %q", updated.Code)
	}

	reward, _ := f.rewards.Get("reward-1")
	if reward.Reserved != 0 || reward.Quantity != 10 || reward.Sold != 0 {
		t.Fatalf("unexpected counters after decline: %+v", reward)
	}

	if len(findEvents(collectOutbox(t, f.outbox), domain.EventTypeRedeemFailed)) != 1 {
		t.Fatal("expected RedeemFailed event")
	}
}

func TestOutcomeForUnknownRedeemIsDropped(t *testing.T) {
	f := newSagaFixture(t)

	if err := f.orch.HandleTransactionOutcome("no-such-redeem", true); err != nil {
		t.Fatalf("expected outcome to be dropped, got %v", err)
	}
}

// Повторная доставка исхода не должна менять уже завершённый выкуп.
func TestOutcomeRedeliveryIsIdempotent(t *testing.T) {
	f := newSagaFixture(t)
	seedReward(t, f.rewards, 10)
	f.codes.codes = []string{"CODE-1", "CODE-2"}

	redeem, err := f.orch.Initiate("reward-1", "user@example.com", 2)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if err := f.orch.HandleTransactionOutcome(redeem.ID, true); err != nil {
		t.Fatalf("first outcome: %v", err)
	}
	if err := f.orch.HandleTransactionOutcome(redeem.ID, true); err != nil {
		t.Fatalf("second outcome: %v", err)
	}
	// Даже противоречивый повтор не трогает завершённый выкуп.
	if err := f.orch.HandleTransactionOutcome(redeem.ID, false); err != nil {
		t.Fatalf("contradictory outcome: %v", err)
	}

	updated, _ := f.redeems.Get(redeem.ID)
	if updated.Status != domain.RedeemStatusFulfilled || updated.Code != "CODE-1" {
		t.Fatalf("redeem changed by redelivery: %+v", updated)
	}

	reward, _ := f.rewards.Get("reward-1")
	if reward.Quantity != 8 || reward.Sold != 2 {
		t.Fatalf("stock committed more than once: %+v", reward)
	}

	if f.codes.calls != 1 {
		t.Fatalf("expected single code generation, got %d", f.codes.calls)
	}
}

// staleReadRedeemRepository подменяет ближайшие Get устаревшим снимком,
// моделируя чтение, выполненное до фиксации конкурирующего исхода.
type staleReadRedeemRepository struct {
	domain.RedeemRepository
	mu       sync.Mutex
	snapshot domain.Redeem
	serve    int
}

func (s *staleReadRedeemRepository) Get(id string) (domain.Redeem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serve > 0 && s.snapshot.ID == id {
		s.serve--
		return s.snapshot, nil
	}
	return s.RedeemRepository.Get(id)
}

// unstableRedeemRepository отклоняет заданное число сохранений, имитируя
// временную недоступность хранилища.
type unstableRedeemRepository struct {
	domain.RedeemRepository
	mu        sync.Mutex
	failSaves int
}

func (u *unstableRedeemRepository) Save(redeem domain.Redeem) error {
	u.mu.Lock()
	if u.failSaves > 0 {
		u.failSaves--
		u.mu.Unlock()
		return errors.New("redeem store temporarily unavailable")
	}
	u.mu.Unlock()
	return u.RedeemRepository.Save(redeem)
}

// Дубль исхода, прочитавший выкуп ещё pending, проигрывает по версии,
// перечитывает уже завершённый выкуп и не применяет исход второй раз.
func TestOutcomeConcurrentDuplicateAppliesOnce(t *testing.T) {
	inner := memory.NewRedeemRepository()
	stale := &staleReadRedeemRepository{RedeemRepository: inner}
	f := newSagaFixtureWith(t, stale)
	seedReward(t, f.rewards, 10)
	f.codes.codes = []string{"CODE-1", "CODE-2"}

	redeem, err := f.orch.Initiate("reward-1", "user@example.com", 3)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	pending, err := inner.Get(redeem.ID)
	if err != nil {
		t.Fatalf("get pending redeem: %v", err)
	}

	if err := f.orch.HandleTransactionOutcome(redeem.ID, true); err != nil {
		t.Fatalf("first outcome: %v", err)
	}

	// Вторая доставка стартует с того же pending-снимка, что и первая.
	stale.mu.Lock()
	stale.snapshot = pending
	stale.serve = 1
	stale.mu.Unlock()

	if err := f.orch.HandleTransactionOutcome(redeem.ID, true); err != nil {
		t.Fatalf("duplicate outcome: %v", err)
	}

	updated, _ := inner.Get(redeem.ID)
	if updated.Status != domain.RedeemStatusFulfilled || updated.Code != "CODE-1" {
		t.Fatalf("duplicate outcome rewrote redeem: %+v", updated)
	}

	reward, _ := f.rewards.Get("reward-1")
	if reward.Quantity != 7 || reward.Sold != 3 || reward.Reserved != 0 {
		t.Fatalf("stock committed more than once: %+v", reward)
	}

	msgs := collectOutbox(t, f.outbox)
	if got := len(findEvents(msgs, domain.EventTypeRedeemFulfilled)); got != 1 {
		t.Fatalf("expected 1 RedeemFulfilled event, got %d", got)
	}
	if got := len(findEvents(msgs, domain.EventTypeNotificationQueued)); got != 1 {
		t.Fatalf("expected 1 notification, got %d", got)
	}
}

// Срыв сохранения failed-статуса и повторная доставка исхода не должны
// освобождать резерв дважды: единицы других pending-выкупов неприкосновенны.
func TestOutcomeDeclinedRetryReleasesOnce(t *testing.T) {
	inner := memory.NewRedeemRepository()
	unstable := &unstableRedeemRepository{RedeemRepository: inner}
	f := newSagaFixtureWith(t, unstable)
	seedReward(t, f.rewards, 10)

	declined, err := f.orch.Initiate("reward-1", "user@example.com", 3)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	// Второй выкуп удерживает собственный резерв на той же награде.
	if _, err := f.orch.Initiate("reward-1", "other@example.com", 2); err != nil {
		t.Fatalf("initiate second: %v", err)
	}

	unstable.mu.Lock()
	unstable.failSaves = 1
	unstable.mu.Unlock()

	if err := f.orch.HandleTransactionOutcome(declined.ID, false); err == nil {
		t.Fatal("expected error on transient save failure")
	}

	// Пока failed не зафиксирован, резерв не трогается.
	reward, _ := f.rewards.Get("reward-1")
	if reward.Reserved != 5 {
		t.Fatalf("reservation touched before status persisted: %+v", reward)
	}

	if err := f.orch.HandleTransactionOutcome(declined.ID, false); err != nil {
		t.Fatalf("redelivered outcome: %v", err)
	}

	updated, _ := inner.Get(declined.ID)
	if updated.Status != domain.RedeemStatusFailed {
		t.Fatalf("expected failed, got %s", updated.Status)
	}

	reward, _ = f.rewards.Get("reward-1")
	if reward.Reserved != 2 || reward.Quantity != 10 || reward.Sold != 0 {
		t.Fatalf("unexpected counters after retried decline: %+v", reward)
	}
}

// Конкурентные выкупы не могут суммарно удержать больше доступного остатка.
func TestInitiateConcurrentDoesNotOverReserve(t *testing.T) {
	f := newSagaFixture(t)
	seedReward(t, f.rewards, 5)

	const attempts = 20

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.orch.Initiate("reward-1", "user@example.com", 1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 5 {
		t.Fatalf("expected exactly 5 successful initiations, got %d", succeeded)
	}

	reward, _ := f.rewards.Get("reward-1")
	if reward.Reserved != 5 {
		t.Fatalf("expected 5 reserved units, got %d", reward.Reserved)
	}
}

func TestLastUnitDeactivatesReward(t *testing.T) {
	f := newSagaFixture(t)
	seedReward(t, f.rewards, 1)

	redeem, err := f.orch.Initiate("reward-1", "user@example.com", 1)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := f.orch.HandleTransactionOutcome(redeem.ID, true); err != nil {
		t.Fatalf("outcome: %v", err)
	}

	reward, _ := f.rewards.Get("reward-1")
	if reward.Quantity != 0 || reward.Active {
		t.Fatalf("expected deactivated reward at zero stock: %+v", reward)
	}

	// Следующая попытка — отказ по остатку.
	if _, err := f.orch.Initiate("reward-1", "other@example.com", 1); !errors.Is(err, domain.ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}
}
