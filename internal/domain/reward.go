package domain

import "time"

// Reward описывает позицию каталога наград, доступную для выкупа за баллы.
type Reward struct {
	ID          string
	Name        string
	Description string
	Image       string
	Category    string
	Subcategory string
	// CostMinor — стоимость одной единицы в минимальных денежных единицах.
	CostMinor int64
	// Quantity — количество единиц, ещё доступных на складе.
	Quantity int32
	// Reserved — единицы, удержанные незавершёнными выкупами.
	// Доступно к резервированию всегда Quantity - Reserved.
	Reserved int32
	// Sold — накопительный счётчик выкупленных единиц.
	Sold int32
	// Active — награда видима и доступна для выкупа.
	Active    bool
	AddedAt   time.Time
	UpdatedAt time.Time
	Version   int64
}

// AvailableQuantity возвращает количество единиц, доступных новым резервированиям.
func (r *Reward) AvailableQuantity() int32 {
	return r.Quantity - r.Reserved
}

// CanReserve проверяет, можно ли удержать qty единиц под новый выкуп.
func (r *Reward) CanReserve(qty int32) bool {
	return r.Active && qty > 0 && r.AvailableQuantity() >= qty
}

// ValidateInvariants проверяет базовые инварианты награды и возвращает список замечаний.
func (r *Reward) ValidateInvariants() []error {
	var errs []error

	if r.Name == "" {
		errs = append(errs, ErrRewardNameRequired)
	}
	if r.CostMinor < 0 {
		errs = append(errs, ErrRewardCostNegative)
	}
	if r.Quantity < 0 {
		errs = append(errs, ErrRewardQuantityNegative)
	}
	if r.Sold < 0 {
		errs = append(errs, ErrRewardSoldNegative)
	}
	if r.Reserved < 0 || r.Reserved > r.Quantity {
		errs = append(errs, ErrRewardReservedInvalid)
	}

	return errs
}

// ApplyRedemption финализирует успешный выкуп qty единиц: снимает удержание,
// уменьшает склад и увеличивает sold на одну и ту же величину. При нулевом
// остатке награда принудительно деактивируется. Отрицательный остаток — это
// нарушение модели, а не ситуация для клампинга.
func (r *Reward) ApplyRedemption(qty int32) error {
	if qty <= 0 {
		return ErrRedeemQtyInvalid
	}
	if r.Quantity < qty {
		return ErrStockInconsistent
	}

	r.Quantity -= qty
	r.Sold += qty
	if r.Reserved >= qty {
		r.Reserved -= qty
	} else {
		r.Reserved = 0
	}
	if r.Quantity == 0 {
		r.Active = false
	}

	return nil
}
