package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// userRepo implements UserRepository.
type userRepo struct {
	pool DB
}

const userColumns = `id, email, password_hash, api_token_hash, created_at, last_login_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.APITokenHash, &u.CreatedAt, &u.LastLoginAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepo) Create(ctx context.Context, email, passwordHash string) (*User, error) {
	defer observeDB(ctx, "db.users.create")()
	row := r.pool.QueryRow(ctx, `
INSERT INTO users (email, password_hash)
VALUES (lower($1), $2)
RETURNING `+userColumns, email, passwordHash)
	return scanUser(row)
}

func (r *userRepo) GetByID(ctx context.Context, id int64) (*User, error) {
	defer observeDB(ctx, "db.users.get")()
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id)
	return scanUser(row)
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (*User, error) {
	defer observeDB(ctx, "db.users.get_by_email")()
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email=lower($1)`, email)
	return scanUser(row)
}

func (r *userRepo) GetByAPITokenHash(ctx context.Context, tokenHash string) (*User, error) {
	defer observeDB(ctx, "db.users.get_by_token")()
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE api_token_hash=$1`, tokenHash)
	return scanUser(row)
}

func (r *userRepo) SetAPITokenHash(ctx context.Context, id int64, tokenHash string) error {
	defer observeDB(ctx, "db.users.set_api_token")()
	tag, err := r.pool.Exec(ctx, `UPDATE users SET api_token_hash=$2 WHERE id=$1`, id, tokenHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepo) TouchLastLogin(ctx context.Context, id int64) error {
	defer observeDB(ctx, "db.users.touch_login")()
	_, err := r.pool.Exec(ctx, `UPDATE users SET last_login_at=now() WHERE id=$1`, id)
	return err
}

// studentRepo implements StudentRepository.
type studentRepo struct {
	pool DB
}

const studentColumns = `id, user_id, first_name, last_name, payment_method, hourly_rate,
mother_fullname, mother_platform, mother_contact, notes, created_at`

func scanStudent(row pgx.Row) (*Student, error) {
	var s Student
	err := row.Scan(&s.ID, &s.UserID, &s.FirstName, &s.LastName, &s.PaymentMethod, &s.HourlyRate,
		&s.MotherFullname, &s.MotherPlatform, &s.MotherContact, &s.Notes, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *studentRepo) Create(ctx context.Context, s Student) (*Student, error) {
	defer observeDB(ctx, "db.students.create")()
	row := r.pool.QueryRow(ctx, `
INSERT INTO students (user_id, first_name, last_name, payment_method, hourly_rate,
        mother_fullname, mother_platform, mother_contact, notes)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING `+studentColumns,
		s.UserID, s.FirstName, s.LastName, s.PaymentMethod, s.HourlyRate,
		s.MotherFullname, s.MotherPlatform, s.MotherContact, s.Notes)
	return scanStudent(row)
}

func (r *studentRepo) GetByID(ctx context.Context, userID, id int64) (*Student, error) {
	defer observeDB(ctx, "db.students.get")()
	row := r.pool.QueryRow(ctx, `SELECT `+studentColumns+` FROM students WHERE user_id=$1 AND id=$2`, userID, id)
	return scanStudent(row)
}

func (r *studentRepo) ListByUser(ctx context.Context, userID int64) ([]Student, error) {
	defer observeDB(ctx, "db.students.list")()
	rows, err := r.pool.Query(ctx, `SELECT `+studentColumns+` FROM students WHERE user_id=$1 ORDER BY first_name, last_name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Student
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *studentRepo) FindByFullName(ctx context.Context, userID int64, fullName string) (*Student, error) {
	defer observeDB(ctx, "db.students.find_by_name")()
	row := r.pool.QueryRow(ctx, `
SELECT `+studentColumns+` FROM students
WHERE user_id=$1 AND lower(trim(first_name || ' ' || last_name)) = lower(trim($2))
LIMIT 1`, userID, fullName)
	return scanStudent(row)
}

func (r *studentRepo) Update(ctx context.Context, s Student) error {
	defer observeDB(ctx, "db.students.update")()
	tag, err := r.pool.Exec(ctx, `
UPDATE students SET first_name=$3, last_name=$4, payment_method=$5, hourly_rate=$6,
        mother_fullname=$7, mother_platform=$8, mother_contact=$9, notes=$10
WHERE user_id=$1 AND id=$2`,
		s.UserID, s.ID, s.FirstName, s.LastName, s.PaymentMethod, s.HourlyRate,
		s.MotherFullname, s.MotherPlatform, s.MotherContact, s.Notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *studentRepo) Delete(ctx context.Context, userID, id int64) error {
	defer observeDB(ctx, "db.students.delete")()
	tag, err := r.pool.Exec(ctx, `DELETE FROM students WHERE user_id=$1 AND id=$2`, userID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// lessonRepo implements LessonRepository.
type lessonRepo struct {
	pool DB
}

const lessonColumns = `id, user_id, student_id, student_name, start_at, duration_minutes,
hourly_rate, payment_method, paid, paid_at, already_paid, created_at`

func scanLesson(row pgx.Row) (*Lesson, error) {
	var l Lesson
	err := row.Scan(&l.ID, &l.UserID, &l.StudentID, &l.StudentName, &l.StartAt, &l.DurationMinutes,
		&l.HourlyRate, &l.PaymentMethod, &l.Paid, &l.PaidAt, &l.AlreadyPaid, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *lessonRepo) Create(ctx context.Context, l Lesson) (*Lesson, error) {
	defer observeDB(ctx, "db.lessons.create")()
	row := r.pool.QueryRow(ctx, `
INSERT INTO lessons (user_id, student_id, student_name, start_at, duration_minutes,
        hourly_rate, payment_method, paid, paid_at, already_paid)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING `+lessonColumns,
		l.UserID, l.StudentID, l.StudentName, l.StartAt, l.DurationMinutes,
		l.HourlyRate, l.PaymentMethod, l.Paid, l.PaidAt, l.AlreadyPaid)
	return scanLesson(row)
}

func (r *lessonRepo) GetByID(ctx context.Context, userID, id int64) (*Lesson, error) {
	defer observeDB(ctx, "db.lessons.get")()
	row := r.pool.QueryRow(ctx, `SELECT `+lessonColumns+` FROM lessons WHERE user_id=$1 AND id=$2`, userID, id)
	return scanLesson(row)
}

func (r *lessonRepo) ListByUser(ctx context.Context, userID int64, from, to *time.Time) ([]Lesson, error) {
	defer observeDB(ctx, "db.lessons.list")()
	rows, err := r.pool.Query(ctx, `
SELECT `+lessonColumns+` FROM lessons
WHERE user_id=$1
  AND ($2::timestamptz IS NULL OR start_at >= $2)
  AND ($3::timestamptz IS NULL OR start_at <= $3)
ORDER BY start_at DESC`, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Lesson
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (r *lessonRepo) FindUnlinkedByStudentAndStart(ctx context.Context, userID int64, studentName string, startAt time.Time) (*Lesson, error) {
	defer observeDB(ctx, "db.lessons.find_unlinked")()
	row := r.pool.QueryRow(ctx, `
SELECT `+lessonColumns+` FROM lessons l
WHERE l.user_id=$1 AND lower(l.student_name)=lower($2) AND l.start_at=$3
  AND NOT EXISTS (SELECT 1 FROM calendar_links cl WHERE cl.lesson_id = l.id)
LIMIT 1`, userID, studentName, startAt)
	return scanLesson(row)
}

func (r *lessonRepo) Update(ctx context.Context, l Lesson) error {
	defer observeDB(ctx, "db.lessons.update")()
	tag, err := r.pool.Exec(ctx, `
UPDATE lessons SET student_id=$3, student_name=$4, start_at=$5, duration_minutes=$6,
        hourly_rate=$7, payment_method=$8, already_paid=$9
WHERE user_id=$1 AND id=$2`,
		l.UserID, l.ID, l.StudentID, l.StudentName, l.StartAt, l.DurationMinutes,
		l.HourlyRate, l.PaymentMethod, l.AlreadyPaid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *lessonRepo) SetPaid(ctx context.Context, userID, id int64, paid bool, paidAt *time.Time) error {
	defer observeDB(ctx, "db.lessons.set_paid")()
	tag, err := r.pool.Exec(ctx, `UPDATE lessons SET paid=$3, paid_at=$4 WHERE user_id=$1 AND id=$2`, userID, id, paid, paidAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *lessonRepo) Delete(ctx context.Context, userID, id int64) error {
	defer observeDB(ctx, "db.lessons.delete")()
	tag, err := r.pool.Exec(ctx, `DELETE FROM lessons WHERE user_id=$1 AND id=$2`, userID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// calendarLinkRepo implements CalendarLinkRepository.
type calendarLinkRepo struct {
	pool DB
}

const linkColumns = `id, user_id, lesson_id, calendar_id, event_id, content_hash, synced_at`

func scanLink(row pgx.Row) (*CalendarLink, error) {
	var cl CalendarLink
	err := row.Scan(&cl.ID, &cl.UserID, &cl.LessonID, &cl.CalendarID, &cl.EventID, &cl.ContentHash, &cl.SyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cl, nil
}

func (r *calendarLinkRepo) Create(ctx context.Context, link CalendarLink) (*CalendarLink, error) {
	defer observeDB(ctx, "db.links.create")()
	row := r.pool.QueryRow(ctx, `
INSERT INTO calendar_links (user_id, lesson_id, calendar_id, event_id, content_hash)
VALUES ($1, $2, $3, $4, $5)
RETURNING `+linkColumns,
		link.UserID, link.LessonID, link.CalendarID, link.EventID, link.ContentHash)
	return scanLink(row)
}

func (r *calendarLinkRepo) GetByEvent(ctx context.Context, userID int64, calendarID, eventID string) (*CalendarLink, error) {
	defer observeDB(ctx, "db.links.get_by_event")()
	row := r.pool.QueryRow(ctx, `
SELECT `+linkColumns+` FROM calendar_links
WHERE user_id=$1 AND calendar_id=$2 AND event_id=$3`, userID, calendarID, eventID)
	return scanLink(row)
}

func (r *calendarLinkRepo) GetByLesson(ctx context.Context, userID, lessonID int64) (*CalendarLink, error) {
	defer observeDB(ctx, "db.links.get_by_lesson")()
	row := r.pool.QueryRow(ctx, `
SELECT `+linkColumns+` FROM calendar_links WHERE user_id=$1 AND lesson_id=$2`, userID, lessonID)
	return scanLink(row)
}

func (r *calendarLinkRepo) TouchContent(ctx context.Context, id int64, contentHash string) error {
	defer observeDB(ctx, "db.links.touch")()
	tag, err := r.pool.Exec(ctx, `UPDATE calendar_links SET content_hash=$2, synced_at=now() WHERE id=$1`, id, contentHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *calendarLinkRepo) Delete(ctx context.Context, id int64) error {
	defer observeDB(ctx, "db.links.delete")()
	_, err := r.pool.Exec(ctx, `DELETE FROM calendar_links WHERE id=$1`, id)
	return err
}

func (r *calendarLinkRepo) DeleteByUser(ctx context.Context, userID int64) error {
	defer observeDB(ctx, "db.links.delete_by_user")()
	_, err := r.pool.Exec(ctx, `DELETE FROM calendar_links WHERE user_id=$1`, userID)
	return err
}

// credentialRepo implements CredentialRepository.
type credentialRepo struct {
	pool DB
}

const credentialColumns = `user_id, token_ciphertext, expiry, scopes, connected_email,
channel_id, resource_id, channel_expires_at, sync_token, needs_reconnect, created_at, updated_at`

func scanCredential(row pgx.Row) (*Credential, error) {
	var c Credential
	err := row.Scan(&c.UserID, &c.TokenCiphertext, &c.Expiry, &c.Scopes, &c.ConnectedEmail,
		&c.ChannelID, &c.ResourceID, &c.ChannelExpires, &c.SyncToken, &c.NeedsReconnect, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *credentialRepo) Get(ctx context.Context, userID int64) (*Credential, error) {
	defer observeDB(ctx, "db.credentials.get")()
	row := r.pool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM google_credentials WHERE user_id=$1`, userID)
	return scanCredential(row)
}

func (r *credentialRepo) GetByChannelID(ctx context.Context, channelID string) (*Credential, error) {
	defer observeDB(ctx, "db.credentials.get_by_channel")()
	row := r.pool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM google_credentials WHERE channel_id=$1`, channelID)
	return scanCredential(row)
}

func (r *credentialRepo) ListWithChannel(ctx context.Context) ([]Credential, error) {
	defer observeDB(ctx, "db.credentials.list_with_channel")()
	rows, err := r.pool.Query(ctx, `
SELECT `+credentialColumns+` FROM google_credentials
WHERE channel_id IS NOT NULL AND NOT needs_reconnect`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *credentialRepo) Upsert(ctx context.Context, cred Credential) error {
	defer observeDB(ctx, "db.credentials.upsert")()
	_, err := r.pool.Exec(ctx, `
INSERT INTO google_credentials (user_id, token_ciphertext, expiry, scopes, connected_email, sync_token)
VALUES ($1, $2, $3, $4, $5, '')
ON CONFLICT (user_id) DO UPDATE SET
        token_ciphertext = EXCLUDED.token_ciphertext,
        expiry           = EXCLUDED.expiry,
        scopes           = EXCLUDED.scopes,
        connected_email  = EXCLUDED.connected_email,
        needs_reconnect  = FALSE,
        updated_at       = now()`,
		cred.UserID, cred.TokenCiphertext, cred.Expiry, cred.Scopes, cred.ConnectedEmail)
	return err
}

func (r *credentialRepo) UpdateToken(ctx context.Context, userID int64, ciphertext []byte, expiry *time.Time) error {
	defer observeDB(ctx, "db.credentials.update_token")()
	tag, err := r.pool.Exec(ctx, `
UPDATE google_credentials SET token_ciphertext=$2, expiry=$3, updated_at=now() WHERE user_id=$1`,
		userID, ciphertext, expiry)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *credentialRepo) UpdateSyncToken(ctx context.Context, userID int64, syncToken string) error {
	defer observeDB(ctx, "db.credentials.update_sync_token")()
	tag, err := r.pool.Exec(ctx, `
UPDATE google_credentials SET sync_token=$2, updated_at=now() WHERE user_id=$1`, userID, syncToken)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *credentialRepo) UpdateChannel(ctx context.Context, userID int64, channelID, resourceID *string, expires *time.Time) error {
	defer observeDB(ctx, "db.credentials.update_channel")()
	tag, err := r.pool.Exec(ctx, `
UPDATE google_credentials SET channel_id=$2, resource_id=$3, channel_expires_at=$4, updated_at=now()
WHERE user_id=$1`, userID, channelID, resourceID, expires)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *credentialRepo) SetNeedsReconnect(ctx context.Context, userID int64, v bool) error {
	defer observeDB(ctx, "db.credentials.set_needs_reconnect")()
	tag, err := r.pool.Exec(ctx, `
UPDATE google_credentials SET needs_reconnect=$2, updated_at=now() WHERE user_id=$1`, userID, v)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *credentialRepo) Delete(ctx context.Context, userID int64) error {
	defer observeDB(ctx, "db.credentials.delete")()
	_, err := r.pool.Exec(ctx, `DELETE FROM google_credentials WHERE user_id=$1`, userID)
	return err
}
