// Package ledger ведёт кредитный баланс идентичностей и резервирует кредиты под задания.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/imagejobs/internal/model"
	"github.com/mmeshcher/imagejobs/internal/repository"
)

// Начальные балансы.
const (
	AnonymousStartingBalance = 3
	UserStartingBalance      = 10
)

var (
	// ErrInsufficientCredit возвращается, если баланса не хватает; баланс при этом не меняется.
	ErrInsufficientCredit = errors.New("insufficient credit")
	// ErrNotProvisioned возвращается для пользователя, счёт которого ещё не создан.
	ErrNotProvisioned = errors.New("credit account is not provisioned")
	// ErrInvalidCost возвращается при неположительной стоимости.
	ErrInvalidCost = errors.New("cost must be positive")
)

// Store описывает хранилище балансов.
type Store interface {
	EnsureCredits(ctx context.Context, owner model.Identity, initial int) (bool, error)
	GetCredits(ctx context.Context, owner model.Identity) (int, error)
	DebitCredits(ctx context.Context, owner model.Identity, amount int, reservationID string) error
	ReleaseCredits(ctx context.Context, owner model.Identity, reservationID string) (bool, error)
}

// Reservation описывает состоявшееся списание под одно задание.
type Reservation struct {
	ID     string
	Owner  model.Identity
	Amount int
}

// Ledger сериализует операции одной идентичности внутри процесса, а атомарность
// между процессами обеспечивает условное списание в хранилище.
type Ledger struct {
	store          Store
	logger         *zap.Logger
	locks          *keyedMutex
	provisionUsers bool
}

// Option настраивает Ledger.
type Option func(*Ledger)

// WithUserProvisioning создаёт счёт пользователя со стартовым балансом при первом списании,
// если его не создал сервис аккаунтов.
func WithUserProvisioning() Option {
	return func(l *Ledger) { l.provisionUsers = true }
}

// New создаёт леджер поверх хранилища.
func New(store Store, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: logger,
		locks:  newKeyedMutex(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func startingBalance(identity model.Identity) int {
	if identity.Anonymous() {
		return AnonymousStartingBalance
	}
	return UserStartingBalance
}

// Reserve списывает cost с баланса identity. Анонимный счёт создаётся при первом обращении,
// пользовательский только с WithUserProvisioning.
func (l *Ledger) Reserve(ctx context.Context, identity model.Identity, cost int) (Reservation, error) {
	if cost <= 0 {
		return Reservation{}, ErrInvalidCost
	}

	unlock := l.locks.Lock(identity.Key())
	defer unlock()

	if identity.Anonymous() || l.provisionUsers {
		initial := startingBalance(identity)
		created, err := l.store.EnsureCredits(ctx, identity, initial)
		if err != nil {
			return Reservation{}, fmt.Errorf("bootstrap credits: %w", err)
		}
		if created {
			l.logger.Info("credit account created",
				zap.String("identity", identity.Key()),
				zap.Int("balance", initial),
			)
		}
	}

	res := Reservation{ID: uuid.NewString(), Owner: identity, Amount: cost}

	err := l.store.DebitCredits(ctx, identity, cost, res.ID)
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, repository.ErrInsufficientCredit):
		return Reservation{}, ErrInsufficientCredit
	case errors.Is(err, repository.ErrIdentityNotFound):
		return Reservation{}, ErrNotProvisioned
	default:
		return Reservation{}, fmt.Errorf("debit credits: %w", err)
	}
}

// Release возвращает зарезервированную сумму, если задание так и не было принято обработчиком.
// Повторный вызов для той же резервации ничего не меняет.
func (l *Ledger) Release(ctx context.Context, res Reservation) error {
	unlock := l.locks.Lock(res.Owner.Key())
	defer unlock()

	released, err := l.store.ReleaseCredits(ctx, res.Owner, res.ID)
	if err != nil {
		return fmt.Errorf("release credits: %w", err)
	}
	if released {
		l.logger.Info("reservation released",
			zap.String("identity", res.Owner.Key()),
			zap.String("reservation_id", res.ID),
			zap.Int("amount", res.Amount),
		)
	}
	return nil
}

// Balance возвращает текущий баланс. Для анонимной идентичности без счёта это стартовый баланс.
func (l *Ledger) Balance(ctx context.Context, identity model.Identity) (int, error) {
	balance, err := l.store.GetCredits(ctx, identity)
	if err == nil {
		return balance, nil
	}
	if errors.Is(err, repository.ErrIdentityNotFound) {
		if identity.Anonymous() {
			return AnonymousStartingBalance, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("get credits: %w", err)
}

// Provision создаёт счёт пользователя со стартовым балансом. Вызывается при создании аккаунта.
func (l *Ledger) Provision(ctx context.Context, identity model.Identity) error {
	unlock := l.locks.Lock(identity.Key())
	defer unlock()

	if _, err := l.store.EnsureCredits(ctx, identity, startingBalance(identity)); err != nil {
		return fmt.Errorf("provision credits: %w", err)
	}
	return nil
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock захватывает мьютекс ключа и возвращает функцию освобождения.
// Запись удаляется из карты, когда её больше никто не ждёт.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()

	return func() {
		m.Unlock()

		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
