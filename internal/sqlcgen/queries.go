package sqlcgen

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX matches the minimal interface needed from pgxpool.Pool or pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const listEnabledMachines = `-- name: ListEnabledMachines :many
SELECT id,
       machine_number,
       alias,
       ip,
       port,
       connect_type,
       enabled,
       serial_number,
       firmware_version,
       comm_key
FROM machines
WHERE enabled = TRUE
ORDER BY alias
`

func (q *Queries) ListEnabledMachines(ctx context.Context) ([]Machine, error) {
	rows, err := q.db.Query(ctx, listEnabledMachines)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Machine
	for rows.Next() {
		var i Machine
		if err := rows.Scan(
			&i.ID,
			&i.MachineNumber,
			&i.Alias,
			&i.IP,
			&i.Port,
			&i.ConnectType,
			&i.Enabled,
			&i.SerialNumber,
			&i.FirmwareVersion,
			&i.CommKey,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getMachine = `-- name: GetMachine :one
SELECT id,
       machine_number,
       alias,
       ip,
       port,
       connect_type,
       enabled,
       serial_number,
       firmware_version,
       comm_key
FROM machines
WHERE id = $1
`

func (q *Queries) GetMachine(ctx context.Context, id int32) (Machine, error) {
	row := q.db.QueryRow(ctx, getMachine, id)
	var i Machine
	err := row.Scan(
		&i.ID,
		&i.MachineNumber,
		&i.Alias,
		&i.IP,
		&i.Port,
		&i.ConnectType,
		&i.Enabled,
		&i.SerialNumber,
		&i.FirmwareVersion,
		&i.CommKey,
	)
	return i, err
}

const findUserByBadge = `-- name: FindUserByBadge :one
SELECT userid,
       badgenumber,
       name,
       department,
       status
FROM userinfo
WHERE badgenumber = $1
LIMIT 1
`

func (q *Queries) FindUserByBadge(ctx context.Context, badgeNumber string) (UserInfo, error) {
	row := q.db.QueryRow(ctx, findUserByBadge, badgeNumber)
	var i UserInfo
	err := row.Scan(&i.UserID, &i.BadgeNumber, &i.Name, &i.Department, &i.Status)
	return i, err
}

const findActiveUserByBadge = `-- name: FindActiveUserByBadge :one
SELECT userid,
       badgenumber,
       name,
       department,
       status
FROM userinfo
WHERE badgenumber = $1
  AND status = 1
LIMIT 1
`

func (q *Queries) FindActiveUserByBadge(ctx context.Context, badgeNumber string) (UserInfo, error) {
	row := q.db.QueryRow(ctx, findActiveUserByBadge, badgeNumber)
	var i UserInfo
	err := row.Scan(&i.UserID, &i.BadgeNumber, &i.Name, &i.Department, &i.Status)
	return i, err
}

const checkInOutExists = `-- name: CheckInOutExists :one
SELECT EXISTS (
  SELECT 1
  FROM checkinout
  WHERE userid = $1
    AND checktime = $2
    AND checktype = $3
    AND verifycode = $4
    AND sensorid = $5
    AND memoinfo IS NOT DISTINCT FROM $6
    AND workcode = $7
    AND COALESCE(sn, '') = COALESCE($8, '')
    AND COALESCE(userextfmt, '') = COALESCE($9, '')
)
`

// CheckInOutKey is the full dedup tuple of an attendance record.
type CheckInOutKey struct {
	UserID     int32
	CheckTime  string
	CheckType  string
	VerifyCode int32
	SensorID   string
	MemoInfo   *string
	WorkCode   int32
	SN         *string
	UserExtFmt *string
}

func (q *Queries) CheckInOutExists(ctx context.Context, arg CheckInOutKey) (bool, error) {
	row := q.db.QueryRow(ctx, checkInOutExists,
		arg.UserID,
		arg.CheckTime,
		arg.CheckType,
		arg.VerifyCode,
		arg.SensorID,
		arg.MemoInfo,
		arg.WorkCode,
		arg.SN,
		arg.UserExtFmt,
	)
	var exists bool
	err := row.Scan(&exists)
	return exists, err
}

const insertCheckInOut = `-- name: InsertCheckInOut :execrows
INSERT INTO checkinout (
  userid,
  checktime,
  checktype,
  verifycode,
  sensorid,
  memoinfo,
  workcode,
  sn,
  userextfmt
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT DO NOTHING
`

// InsertCheckInOut returns the number of rows written; zero means an
// identical record already exists.
func (q *Queries) InsertCheckInOut(ctx context.Context, arg CheckInOutKey) (int64, error) {
	tag, err := q.db.Exec(ctx, insertCheckInOut,
		arg.UserID,
		arg.CheckTime,
		arg.CheckType,
		arg.VerifyCode,
		arg.SensorID,
		arg.MemoInfo,
		arg.WorkCode,
		arg.SN,
		arg.UserExtFmt,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const listCheckInOutBySensor = `-- name: ListCheckInOutBySensor :many
SELECT c.id,
       c.userid,
       c.checktime,
       c.checktype,
       c.verifycode,
       c.sensorid,
       c.memoinfo,
       c.workcode,
       c.sn,
       c.userextfmt,
       c.created_at,
       u.badgenumber,
       u.name
FROM checkinout c
JOIN userinfo u ON u.userid = c.userid
WHERE c.sensorid = $1
  AND c.checktime >= $2
  AND c.checktime < $3
ORDER BY c.checktime, c.id
`

type ListCheckInOutBySensorParams struct {
	SensorID string
	// From and Until are zone-naive "YYYY-MM-DD HH:MM:SS.fff" bounds; Until is exclusive.
	From  string
	Until string
}

func (q *Queries) ListCheckInOutBySensor(ctx context.Context, arg ListCheckInOutBySensorParams) ([]CheckInOutWithUser, error) {
	rows, err := q.db.Query(ctx, listCheckInOutBySensor, arg.SensorID, arg.From, arg.Until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []CheckInOutWithUser
	for rows.Next() {
		var i CheckInOutWithUser
		if err := rows.Scan(
			&i.ID,
			&i.UserID,
			&i.CheckTime,
			&i.CheckType,
			&i.VerifyCode,
			&i.SensorID,
			&i.MemoInfo,
			&i.WorkCode,
			&i.SN,
			&i.UserExtFmt,
			&i.CreatedAt,
			&i.BadgeNumber,
			&i.Name,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
