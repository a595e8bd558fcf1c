package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/water-ledger/internal/model"
)

const userColumns = `id, name, email, national_id, username, password_hash, role, card_number,
	owner_id, active, blocked, block_reason, blocked_at, created_at`

const chargeColumns = `id, occurred_at, state, user_id, truck_type_id, cost, active`

const priceColumns = `id, value, description, active, created_at, modified_at, created_by, modified_by`

// pgTx реализует Tx поверх транзакции pgx.
type pgTx struct {
	tx pgx.Tx
}

// where собирает условие выборки с позиционными параметрами.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		u    model.User
		role string
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.NationalID, &u.Username, &u.PasswordHash, &role,
		&u.CardNumber, &u.OwnerID, &u.Active, &u.Blocked, &u.BlockReason, &u.BlockedAt, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.Role = model.Role(role)
	return &u, nil
}

func scanCharge(row pgx.Row) (*model.Charge, error) {
	var (
		c     model.Charge
		state string
	)
	if err := row.Scan(&c.ID, &c.Timestamp, &state, &c.UserID, &c.TruckTypeID, &c.Cost, &c.Active); err != nil {
		return nil, err
	}
	c.State = model.ChargeState(state)
	return &c, nil
}

func scanPrice(row pgx.Row) (*model.Price, error) {
	var p model.Price
	err := row.Scan(&p.ID, &p.Value, &p.Description, &p.Active, &p.CreatedAt, &p.ModifiedAt, &p.CreatedBy, &p.ModifiedBy)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) queryUser(ctx context.Context, query string, args ...any) (*model.User, error) {
	u, err := scanUser(t.tx.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

// GetUser возвращает пользователя по идентификатору.
func (t *pgTx) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return t.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// LockUser возвращает пользователя и блокирует его строку до конца транзакции.
func (t *pgTx) LockUser(ctx context.Context, id int64) (*model.User, error) {
	return t.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id)
}

// UserByCard возвращает активного незаблокированного пользователя по номеру карты.
func (t *pgTx) UserByCard(ctx context.Context, cardNumber string) (*model.User, error) {
	return t.queryUser(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE card_number = $1 AND active AND NOT blocked
		 FOR SHARE`,
		cardNumber,
	)
}

// InsertUser сохраняет нового пользователя.
func (t *pgTx) InsertUser(ctx context.Context, u *model.User) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO users (name, email, national_id, username, password_hash, role, card_number,
			owner_id, active, blocked, block_reason, blocked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		u.Name, u.Email, u.NationalID, u.Username, u.PasswordHash, string(u.Role), u.CardNumber,
		u.OwnerID, u.Active, u.Blocked, u.BlockReason, u.BlockedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

// UpdateUser сохраняет все изменяемые поля пользователя.
func (t *pgTx) UpdateUser(ctx context.Context, u *model.User) error {
	cmdTag, err := t.tx.Exec(ctx,
		`UPDATE users SET name = $2, email = $3, national_id = $4, username = $5, password_hash = $6,
			role = $7, card_number = $8, owner_id = $9, active = $10, blocked = $11,
			block_reason = $12, blocked_at = $13
		 WHERE id = $1`,
		u.ID, u.Name, u.Email, u.NationalID, u.Username, u.PasswordHash, string(u.Role), u.CardNumber,
		u.OwnerID, u.Active, u.Blocked, u.BlockReason, u.BlockedAt,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUsers возвращает пользователей, удовлетворяющих фильтру, в порядке идентификаторов.
func (t *pgTx) ListUsers(ctx context.Context, f UserFilter) ([]model.User, error) {
	var w where
	if !f.IncludeInactive {
		w.add("active = $%d", true)
	}
	if f.Role != "" {
		w.add("role = $%d", string(f.Role))
	}
	if f.OwnerID != nil {
		w.add("owner_id = $%d", *f.OwnerID)
	}

	rows, err := t.tx.Query(ctx, `SELECT `+userColumns+` FROM users`+w.String()+` ORDER BY id`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	var res []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		res = append(res, *u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// DriverIDs возвращает идентификаторы всех водителей владельца и блокирует их строки.
func (t *pgTx) DriverIDs(ctx context.Context, ownerID int64) ([]int64, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id FROM users WHERE owner_id = $1 AND role = $2 ORDER BY id FOR UPDATE`,
		ownerID, string(model.RoleDriver),
	)
	if err != nil {
		return nil, fmt.Errorf("select drivers: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan driver: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

// SetUsersActive выставляет признак активности указанным пользователям.
func (t *pgTx) SetUsersActive(ctx context.Context, ids []int64, active bool) error {
	if _, err := t.tx.Exec(ctx, `UPDATE users SET active = $2 WHERE id = ANY($1)`, ids, active); err != nil {
		return fmt.Errorf("update users active: %w", err)
	}
	return nil
}

// GetTruckType возвращает тип цистерны по идентификатору.
func (t *pgTx) GetTruckType(ctx context.Context, id int64) (*model.TruckType, error) {
	var tt model.TruckType
	err := t.tx.QueryRow(ctx,
		`SELECT id, description, water_volume FROM truck_types WHERE id = $1`,
		id,
	).Scan(&tt.ID, &tt.Description, &tt.WaterVolume)
	if err != nil {
		return nil, notFound(err)
	}
	return &tt, nil
}

// GetPrice возвращает тариф по идентификатору.
func (t *pgTx) GetPrice(ctx context.Context, id int64) (*model.Price, error) {
	p, err := scanPrice(t.tx.QueryRow(ctx, `SELECT `+priceColumns+` FROM prices WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

// ActivePrice возвращает действующий тариф.
func (t *pgTx) ActivePrice(ctx context.Context) (*model.Price, error) {
	p, err := scanPrice(t.tx.QueryRow(ctx, `SELECT `+priceColumns+` FROM prices WHERE active`))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

// DeactivateActivePrices снимает признак активности со всех тарифов, кроме exceptID.
func (t *pgTx) DeactivateActivePrices(ctx context.Context, exceptID int64) error {
	// Блокировка активных строк сериализует конкурентные активации тарифов.
	if _, err := t.tx.Exec(ctx, `SELECT id FROM prices WHERE active FOR UPDATE`); err != nil {
		return fmt.Errorf("lock active prices: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `UPDATE prices SET active = FALSE WHERE active AND id <> $1`, exceptID); err != nil {
		return fmt.Errorf("deactivate prices: %w", err)
	}
	return nil
}

// InsertPrice сохраняет новый тариф.
func (t *pgTx) InsertPrice(ctx context.Context, p *model.Price) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO prices (value, description, active, created_at, created_by)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		p.Value, p.Description, p.Active, p.CreatedAt, p.CreatedBy,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert price: %w", err)
	}
	return id, nil
}

// UpdatePrice сохраняет изменяемые поля тарифа.
func (t *pgTx) UpdatePrice(ctx context.Context, p *model.Price) error {
	cmdTag, err := t.tx.Exec(ctx,
		`UPDATE prices SET value = $2, description = $3, active = $4, modified_at = $5, modified_by = $6
		 WHERE id = $1`,
		p.ID, p.Value, p.Description, p.Active, p.ModifiedAt, p.ModifiedBy,
	)
	if err != nil {
		return fmt.Errorf("update price: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPrices возвращает тарифы от новых к старым.
func (t *pgTx) ListPrices(ctx context.Context, includeInactive bool) ([]model.Price, error) {
	query := `SELECT ` + priceColumns + ` FROM prices`
	if !includeInactive {
		query += ` WHERE active`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := t.tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select prices: %w", err)
	}
	defer rows.Close()

	var res []model.Price
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan price: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func (t *pgTx) queryCharges(ctx context.Context, query string, args ...any) ([]model.Charge, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select charges: %w", err)
	}
	defer rows.Close()

	var res []model.Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan charge: %w", err)
		}
		res = append(res, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetCharge возвращает доставку по идентификатору.
func (t *pgTx) GetCharge(ctx context.Context, id int64) (*model.Charge, error) {
	c, err := scanCharge(t.tx.QueryRow(ctx, `SELECT `+chargeColumns+` FROM charges WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

// LockCharges возвращает найденные доставки из списка и блокирует их строки.
// Отсутствующие идентификаторы просто не попадают в результат.
func (t *pgTx) LockCharges(ctx context.Context, ids []int64) ([]model.Charge, error) {
	return t.queryCharges(ctx,
		`SELECT `+chargeColumns+` FROM charges WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
		ids,
	)
}

// LockOldestDebts возвращает до limit самых старых активных неоплаченных доставок пользователя.
func (t *pgTx) LockOldestDebts(ctx context.Context, userID int64, limit int) ([]model.Charge, error) {
	return t.queryCharges(ctx,
		`SELECT `+chargeColumns+` FROM charges
		 WHERE user_id = $1 AND state = $2 AND active
		 ORDER BY occurred_at, id
		 LIMIT $3
		 FOR UPDATE`,
		userID, string(model.ChargeStateDebt), limit,
	)
}

// InsertCharge сохраняет новую доставку.
func (t *pgTx) InsertCharge(ctx context.Context, c *model.Charge) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO charges (occurred_at, state, user_id, truck_type_id, cost, active)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		c.Timestamp, string(c.State), c.UserID, c.TruckTypeID, c.Cost, c.Active,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert charge: %w", err)
	}
	return id, nil
}

// UpdateCharge сохраняет все изменяемые поля доставки.
func (t *pgTx) UpdateCharge(ctx context.Context, c *model.Charge) error {
	cmdTag, err := t.tx.Exec(ctx,
		`UPDATE charges SET occurred_at = $2, state = $3, user_id = $4, truck_type_id = $5, cost = $6, active = $7
		 WHERE id = $1`,
		c.ID, c.Timestamp, string(c.State), c.UserID, c.TruckTypeID, c.Cost, c.Active,
	)
	if err != nil {
		return fmt.Errorf("update charge: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetChargesState переводит указанные доставки в состояние state.
func (t *pgTx) SetChargesState(ctx context.Context, ids []int64, state model.ChargeState) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.tx.Exec(ctx, `UPDATE charges SET state = $2 WHERE id = ANY($1)`, ids, string(state)); err != nil {
		return fmt.Errorf("update charges state: %w", err)
	}
	return nil
}

// SetChargesActiveByUsers выставляет признак активности всем доставкам указанных пользователей.
func (t *pgTx) SetChargesActiveByUsers(ctx context.Context, userIDs []int64, active bool) error {
	if _, err := t.tx.Exec(ctx, `UPDATE charges SET active = $2 WHERE user_id = ANY($1)`, userIDs, active); err != nil {
		return fmt.Errorf("update charges active: %w", err)
	}
	return nil
}

// ListCharges возвращает доставки по фильтру в порядке времени доставки.
func (t *pgTx) ListCharges(ctx context.Context, f ChargeFilter) ([]model.Charge, error) {
	var w where
	if len(f.UserIDs) > 0 {
		w.add("user_id = ANY($%d)", f.UserIDs)
	}
	if f.State != "" {
		w.add("state = $%d", string(f.State))
	}
	if f.Active != nil {
		w.add("active = $%d", *f.Active)
	}
	if !f.From.IsZero() {
		w.add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		w.add("occurred_at <= $%d", f.To)
	}

	return t.queryCharges(ctx, `SELECT `+chargeColumns+` FROM charges`+w.String()+` ORDER BY occurred_at, id`, w.args...)
}

func (t *pgTx) queryPayment(ctx context.Context, query string, id int64) (*model.Payment, error) {
	var p model.Payment
	err := t.tx.QueryRow(ctx, query, id).Scan(&p.ID, &p.UserID, &p.Timestamp, &p.Amount, &p.Active)
	if err != nil {
		return nil, notFound(err)
	}

	members, err := t.paymentCharges(ctx, []int64{p.ID})
	if err != nil {
		return nil, err
	}
	p.ChargeIDs = members[p.ID]

	return &p, nil
}

// paymentCharges возвращает состав оплат в порядке, в котором доставки были включены.
func (t *pgTx) paymentCharges(ctx context.Context, paymentIDs []int64) (map[int64][]int64, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT payment_id, charge_id FROM payment_charges
		 WHERE payment_id = ANY($1)
		 ORDER BY payment_id, position`,
		paymentIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select payment charges: %w", err)
	}
	defer rows.Close()

	res := make(map[int64][]int64, len(paymentIDs))
	for rows.Next() {
		var paymentID, chargeID int64
		if err := rows.Scan(&paymentID, &chargeID); err != nil {
			return nil, fmt.Errorf("scan payment charge: %w", err)
		}
		res[paymentID] = append(res[paymentID], chargeID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func (t *pgTx) replacePaymentCharges(ctx context.Context, paymentID int64, chargeIDs []int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM payment_charges WHERE payment_id = $1`, paymentID); err != nil {
		return fmt.Errorf("delete payment charges: %w", err)
	}
	if len(chargeIDs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, chargeID := range chargeIDs {
		batch.Queue(
			`INSERT INTO payment_charges (payment_id, charge_id, position) VALUES ($1, $2, $3)`,
			paymentID, chargeID, i,
		)
	}

	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert payment charges: %w", err)
	}

	return nil
}

// GetPayment возвращает оплату вместе с составом погашенных доставок.
func (t *pgTx) GetPayment(ctx context.Context, id int64) (*model.Payment, error) {
	return t.queryPayment(ctx, `SELECT id, user_id, paid_at, amount, active FROM payments WHERE id = $1`, id)
}

// LockPayment возвращает оплату и блокирует её строку до конца транзакции.
func (t *pgTx) LockPayment(ctx context.Context, id int64) (*model.Payment, error) {
	return t.queryPayment(ctx, `SELECT id, user_id, paid_at, amount, active FROM payments WHERE id = $1 FOR UPDATE`, id)
}

// InsertPayment сохраняет оплату и её состав.
func (t *pgTx) InsertPayment(ctx context.Context, p *model.Payment) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO payments (user_id, paid_at, amount, active) VALUES ($1, $2, $3, $4) RETURNING id`,
		p.UserID, p.Timestamp, p.Amount, p.Active,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert payment: %w", err)
	}

	if err := t.replacePaymentCharges(ctx, id, p.ChargeIDs); err != nil {
		return 0, err
	}

	return id, nil
}

// UpdatePayment сохраняет поля оплаты и заменяет её состав.
func (t *pgTx) UpdatePayment(ctx context.Context, p *model.Payment) error {
	cmdTag, err := t.tx.Exec(ctx,
		`UPDATE payments SET user_id = $2, amount = $3, active = $4 WHERE id = $1`,
		p.ID, p.UserID, p.Amount, p.Active,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return t.replacePaymentCharges(ctx, p.ID, p.ChargeIDs)
}

// SetPaymentsActiveByUsers выставляет признак активности всем оплатам указанных пользователей.
func (t *pgTx) SetPaymentsActiveByUsers(ctx context.Context, userIDs []int64, active bool) error {
	if _, err := t.tx.Exec(ctx, `UPDATE payments SET active = $2 WHERE user_id = ANY($1)`, userIDs, active); err != nil {
		return fmt.Errorf("update payments active: %w", err)
	}
	return nil
}

// ListPayments возвращает оплаты по фильтру от новых к старым.
func (t *pgTx) ListPayments(ctx context.Context, f PaymentFilter) ([]model.Payment, error) {
	var w where
	if len(f.UserIDs) > 0 {
		w.add("user_id = ANY($%d)", f.UserIDs)
	}
	if f.Active != nil {
		w.add("active = $%d", *f.Active)
	}
	if !f.From.IsZero() {
		w.add("paid_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		w.add("paid_at <= $%d", f.To)
	}

	rows, err := t.tx.Query(ctx,
		`SELECT id, user_id, paid_at, amount, active FROM payments`+w.String()+` ORDER BY paid_at DESC, id DESC`,
		w.args...,
	)
	if err != nil {
		return nil, fmt.Errorf("select payments: %w", err)
	}
	defer rows.Close()

	var (
		res []model.Payment
		ids []int64
	)
	for rows.Next() {
		var p model.Payment
		if err := rows.Scan(&p.ID, &p.UserID, &p.Timestamp, &p.Amount, &p.Active); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		res = append(res, p)
		ids = append(ids, p.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return res, nil
	}

	members, err := t.paymentCharges(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].ChargeIDs = members[res[i].ID]
	}

	return res, nil
}

// ListClaims возвращает все связи оплат и доставок.
func (t *pgTx) ListClaims(ctx context.Context) ([]Claim, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT pc.payment_id, pc.charge_id, p.active
		 FROM payment_charges pc
		 JOIN payments p ON p.id = pc.payment_id
		 ORDER BY pc.charge_id, pc.payment_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select claims: %w", err)
	}
	defer rows.Close()

	var res []Claim
	for rows.Next() {
		var c Claim
		if err := rows.Scan(&c.PaymentID, &c.ChargeID, &c.PaymentActive); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

var _ Tx = (*pgTx)(nil)
