package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"alarmaway/internal/domain"
	logx "alarmaway/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

const (
	defaultPGMaxConns     = 4
	defaultPGConnAttempts = 10
	defaultPGConnTimeout  = time.Second
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("postgres url is required")
	}
	log = log.With(logx.String("comp", "storage.postgres"))

	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = defaultPGMaxConns
	}
	poolConfig.MaxConns = int32(maxConns)
	poolConfig.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   pgxLogger{log: log},
		LogLevel: tracelog.LogLevelDebug,
	}

	timeout := cfg.ConnTimeout
	if timeout <= 0 {
		timeout = defaultPGConnTimeout
	}

	var pool *pgxpool.Pool
	for attempts := defaultPGConnAttempts; attempts > 0; attempts-- {
		pool, err = connectPool(ctx, poolConfig, timeout)
		if err == nil {
			break
		}
		log.Warn("postgres connect failed", logx.Int("attempts_left", attempts-1), logx.Err(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(timeout):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	st := &postgresStore{pool: pool, log: log}
	if _, err := pool.Exec(ctx, postgresMigrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return st, nil
}

func connectPool(ctx context.Context, cfg *pgxpool.Config, timeout time.Duration) (*pgxpool.Pool, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(cctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// pgxLogger feeds pgx query traces into logx.
type pgxLogger struct{ log logx.Logger }

func (l pgxLogger) Log(_ context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	fields := make([]logx.Field, 0, 3)
	if sql, ok := data["sql"].(string); ok {
		fields = append(fields, logx.String("sql", strings.Join(strings.Fields(sql), " ")))
	}
	if d, ok := data["time"].(time.Duration); ok {
		fields = append(fields, logx.Duration("took", d))
	}
	if err, ok := data["err"].(error); ok {
		fields = append(fields, logx.Err(err))
	}
	switch level {
	case tracelog.LogLevelError:
		l.log.Error("pgx."+msg, fields...)
	case tracelog.LogLevelWarn:
		l.log.Warn("pgx."+msg, fields...)
	default:
		l.log.Trace("pgx."+msg, fields...)
	}
}

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return err
}

func tagOrNotFound(tag pgconn.CommandTag, err error, what string) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return nil
}

func textOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ---- users ----

func (s *postgresStore) CreateUser(ctx context.Context, u domain.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users(id, email, name, timezone, created_at) VALUES($1,$2,$3,$4,$5)`,
		u.ID, u.Email, textOrNil(u.Name), textOrNil(u.Timezone), u.CreatedAt)
	return err
}

func (s *postgresStore) GetUser(ctx context.Context, id string) (domain.User, error) {
	var (
		u        domain.User
		name, tz *string
	)
	err := s.pool.QueryRow(ctx, `SELECT id, email, name, timezone, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &name, &tz, &u.CreatedAt)
	if err != nil {
		return domain.User{}, notFound(err, "user "+id)
	}
	u.Name, u.Timezone, u.CreatedAt = deref(name), deref(tz), u.CreatedAt.UTC()
	return u, nil
}

func (s *postgresStore) DeleteUser(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	return err
}

// ---- phones ----

func pgScanPhone(row pgx.Row) (domain.Phone, error) {
	var p domain.Phone
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Number, &p.Verified, &p.CreatedAt); err != nil {
		return domain.Phone{}, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func (s *postgresStore) CreatePhone(ctx context.Context, p domain.Phone) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO phones(`+phoneCols+`) VALUES($1,$2,$3,$4,$5)`,
		p.ID, p.OwnerID, p.Number, p.Verified, p.CreatedAt)
	return err
}

func (s *postgresStore) GetPhone(ctx context.Context, id string) (domain.Phone, error) {
	p, err := pgScanPhone(s.pool.QueryRow(ctx, `SELECT `+phoneCols+` FROM phones WHERE id = $1`, id))
	if err != nil {
		return domain.Phone{}, notFound(err, "phone "+id)
	}
	return p, nil
}

func (s *postgresStore) PhoneByNumber(ctx context.Context, number string) (domain.Phone, error) {
	p, err := pgScanPhone(s.pool.QueryRow(ctx, `SELECT `+phoneCols+` FROM phones WHERE number = $1`, number))
	if err != nil {
		return domain.Phone{}, notFound(err, "phone number "+number)
	}
	return p, nil
}

func (s *postgresStore) ListPhones(ctx context.Context, ownerID string) ([]domain.Phone, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+phoneCols+` FROM phones WHERE ($1 = '' OR owner_id = $1) ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Phone, 0)
	for rows.Next() {
		p, err := pgScanPhone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *postgresStore) SetPhoneVerified(ctx context.Context, id string, verified bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE phones SET verified = $1 WHERE id = $2`, verified, id)
	return tagOrNotFound(tag, err, "phone "+id)
}

func (s *postgresStore) DeletePhone(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM phones WHERE id = $1`, id)
	return err
}

// ---- alarms ----

func pgScanAlarm(row pgx.Row) (domain.Alarm, error) {
	var (
		a   domain.Alarm
		tod int32
	)
	if err := row.Scan(&a.ID, &a.OwnerID, &a.PhoneID, &tod, &a.Armed, &a.CreatedAt); err != nil {
		return domain.Alarm{}, err
	}
	a.Time = domain.TimeOfDay(tod)
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func (s *postgresStore) CreateAlarm(ctx context.Context, a domain.Alarm) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO alarms(`+alarmCols+`) VALUES($1,$2,$3,$4,$5,$6)`,
		a.ID, a.OwnerID, a.PhoneID, int32(a.Time), a.Armed, a.CreatedAt)
	return err
}

func (s *postgresStore) GetAlarm(ctx context.Context, id string) (domain.Alarm, error) {
	a, err := pgScanAlarm(s.pool.QueryRow(ctx, `SELECT `+alarmCols+` FROM alarms WHERE id = $1`, id))
	if err != nil {
		return domain.Alarm{}, notFound(err, "alarm "+id)
	}
	return a, nil
}

func (s *postgresStore) ListAlarms(ctx context.Context, f AlarmFilter) ([]domain.Alarm, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+alarmCols+` FROM alarms
		 WHERE ($1 = '' OR owner_id = $1) AND ($2 = '' OR phone_id = $2) AND (NOT $3 OR armed)
		 ORDER BY id`,
		f.OwnerID, f.PhoneID, f.ArmedOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Alarm, 0)
	for rows.Next() {
		a, err := pgScanAlarm(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *postgresStore) SetArmed(ctx context.Context, id string, armed bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE alarms SET armed = $1 WHERE id = $2`, armed, id)
	return tagOrNotFound(tag, err, "alarm "+id)
}

func (s *postgresStore) SwapArmed(ctx context.Context, id string, from, to bool) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE alarms SET armed = $1 WHERE id = $2 AND armed = $3`, to, id, from)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.GetAlarm(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *postgresStore) DeleteAlarm(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM alarms WHERE id = $1`, id)
	return err
}

// ---- tickets ----

func pgScanTicket(row pgx.Row) (domain.Ticket, error) {
	var (
		t                     domain.Ticket
		alarmID, phoneID, uid *string
		ended                 *time.Time
	)
	if err := row.Scan(&t.ID, &alarmID, &phoneID, &uid, &t.JobID, &t.Kind, &t.FireAt, &t.ExpiresAt, &t.StartedAt, &ended); err != nil {
		return domain.Ticket{}, err
	}
	t.AlarmID, t.PhoneID, t.UserID = deref(alarmID), deref(phoneID), deref(uid)
	t.FireAt, t.ExpiresAt, t.StartedAt = t.FireAt.UTC(), t.ExpiresAt.UTC(), t.StartedAt.UTC()
	if ended != nil {
		e := ended.UTC()
		t.EndedAt = &e
	}
	return t, nil
}

func (s *postgresStore) CreateTicket(ctx context.Context, t domain.Ticket) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tickets(`+ticketCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, textOrNil(t.AlarmID), textOrNil(t.PhoneID), textOrNil(t.UserID), t.JobID, t.Kind,
		t.FireAt, t.ExpiresAt, t.StartedAt, t.EndedAt)
	return err
}

func (s *postgresStore) CloseTicket(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE tickets SET ended_at = $1 WHERE id = $2 AND ended_at IS NULL`, at, id)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tickets WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("ticket %s: %w", id, domain.ErrNotFound)
	}
	return false, nil
}

func (s *postgresStore) DeleteTicket(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tickets WHERE id = $1`, id)
	return err
}

func (s *postgresStore) ListTickets(ctx context.Context, f TicketFilter) ([]domain.Ticket, error) {
	var expiredBefore *time.Time
	if !f.ExpiredBefore.IsZero() {
		expiredBefore = &f.ExpiredBefore
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+ticketCols+` FROM tickets
		 WHERE ($1 = '' OR alarm_id = $1) AND ($2 = '' OR phone_id = $2) AND ($3 = '' OR user_id = $3)
		   AND (NOT $4 OR ended_at IS NULL)
		   AND ($5::timestamptz IS NULL OR expires_at < $5)
		 ORDER BY fire_at, id`,
		f.Owner.AlarmID, f.Owner.PhoneID, f.Owner.UserID, f.OpenOnly, expiredBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Ticket, 0)
	for rows.Next() {
		t, err := pgScanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- pending jobs ----

func (s *postgresStore) PutJob(ctx context.Context, j PendingJob) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs(id, kind, payload, fire_at, expires_at, created_at) VALUES($1,$2,$3,$4,$5,$6)
		 ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, payload=excluded.payload,
		   fire_at=excluded.fire_at, expires_at=excluded.expires_at`,
		j.ID, j.Kind, j.Payload, j.FireAt, j.ExpiresAt, j.CreatedAt)
	return err
}

func (s *postgresStore) DeleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	return err
}

func (s *postgresStore) ListJobs(ctx context.Context) ([]PendingJob, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, kind, payload, fire_at, expires_at, created_at FROM jobs ORDER BY fire_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]PendingJob, 0)
	for rows.Next() {
		var j PendingJob
		if err := rows.Scan(&j.ID, &j.Kind, &j.Payload, &j.FireAt, &j.ExpiresAt, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.FireAt, j.ExpiresAt, j.CreatedAt = j.FireAt.UTC(), j.ExpiresAt.UTC(), j.CreatedAt.UTC()
		out = append(out, j)
	}
	return out, rows.Err()
}

// ---- dedup ----

func (s *postgresStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dedup(key, until) VALUES($1,$2) ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until)
	return err
}

func (s *postgresStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var until time.Time
	err := s.pool.QueryRow(ctx, `SELECT until FROM dedup WHERE key = $1`, key).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return until, true, nil
}
