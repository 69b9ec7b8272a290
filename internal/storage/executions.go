package storage

import (
	"context"
	"database/sql"
	"time"

	"go.trai.ch/zerr"

	"github.com/mpataki/gun/internal/models"
)

// Filter narrows ListExecutions. Zero fields match everything.
type Filter struct {
	TaskID        int64
	EnvironmentID int64
	User          string
	Application   string
}

// CreateExecution persists an execution with all of its parameters,
// commands and units in one transaction and assigns their IDs.
func (s *Storage) CreateExecution(ctx context.Context, exec *models.Execution) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO executions (task_id, environment_id, application, task_name, environment_name, user, status, time_created)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			exec.TaskID, exec.EnvironmentID, exec.Application, exec.TaskName, exec.EnvironmentName,
			exec.User, exec.Status, exec.TimeCreated.UTC(),
		)
		if err != nil {
			return zerr.Wrap(err, "failed to insert execution")
		}
		if exec.ID, err = res.LastInsertId(); err != nil {
			return zerr.Wrap(err, "failed to read execution id")
		}

		for _, p := range exec.Parameters {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO execution_parameters (execution_id, name, value) VALUES (?, ?, ?)`,
				exec.ID, p.Name, p.Value,
			)
			if err != nil {
				return zerr.With(zerr.Wrap(err, "failed to insert execution parameter"), "name", p.Name)
			}
			if p.ID, err = res.LastInsertId(); err != nil {
				return zerr.Wrap(err, "failed to read parameter id")
			}
		}

		for _, cmd := range exec.Commands {
			cmd.ExecutionID = exec.ID
			res, err := tx.ExecContext(ctx,
				`INSERT INTO execution_commands (execution_id, command, roles, rank, status) VALUES (?, ?, ?, ?, ?)`,
				exec.ID, cmd.Command, encodeRoles(cmd.Roles), cmd.Rank, cmd.Status,
			)
			if err != nil {
				return zerr.With(zerr.Wrap(err, "failed to insert execution command"), "rank", cmd.Rank)
			}
			if cmd.ID, err = res.LastInsertId(); err != nil {
				return zerr.Wrap(err, "failed to read command id")
			}

			for _, u := range cmd.Servers {
				u.ExecutionCommandID = cmd.ID
				res, err := tx.ExecContext(ctx,
					`INSERT INTO execution_command_servers (execution_command_id, server_id, server_name, server_host, status)
					 VALUES (?, ?, ?, ?, ?)`,
					cmd.ID, u.ServerID, u.ServerName, u.ServerHost, u.Status,
				)
				if err != nil {
					return zerr.With(zerr.Wrap(err, "failed to insert unit"), "server", u.ServerName)
				}
				if u.ID, err = res.LastInsertId(); err != nil {
					return zerr.Wrap(err, "failed to read unit id")
				}
			}
		}
		return nil
	})
}

const executionColumns = `id, task_id, environment_id, application, task_name, environment_name, user,
	status, time_created, time_start, time_end, dispatch_id, owner_pid`

func scanExecution(row scanner) (*models.Execution, error) {
	var e models.Execution
	var start, end sql.NullTime
	var dispatchID sql.NullString
	var ownerPID sql.NullInt64

	err := row.Scan(
		&e.ID, &e.TaskID, &e.EnvironmentID, &e.Application, &e.TaskName, &e.EnvironmentName, &e.User,
		&e.Status, &e.TimeCreated, &start, &end, &dispatchID, &ownerPID,
	)
	if err != nil {
		return nil, err
	}
	e.TimeStart = nullTime(start)
	e.TimeEnd = nullTime(end)
	e.DispatchID = dispatchID.String
	e.OwnerPID = int(ownerPID.Int64)
	return &e, nil
}

// GetExecution loads an execution with its parameters, commands in rank
// order and units in creation order.
func (s *Storage) GetExecution(ctx context.Context, id int64) (*models.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		return nil, notFound(err, "execution", id)
	}

	if err := s.loadExecutionParameters(ctx, exec); err != nil {
		return nil, err
	}
	if err := s.loadExecutionCommands(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

func (s *Storage) loadExecutionParameters(ctx context.Context, exec *models.Execution) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, value FROM execution_parameters WHERE execution_id = ? ORDER BY id`, exec.ID)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to load execution parameters"), "execution_id", exec.ID)
	}
	defer rows.Close()

	for rows.Next() {
		var p models.ExecutionParameter
		if err := rows.Scan(&p.ID, &p.Name, &p.Value); err != nil {
			return zerr.Wrap(err, "failed to scan execution parameter")
		}
		exec.Parameters = append(exec.Parameters, &p)
	}
	return rows.Err()
}

func (s *Storage) loadExecutionCommands(ctx context.Context, exec *models.Execution) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, roles, rank, status, time_start, time_end
		 FROM execution_commands WHERE execution_id = ? ORDER BY rank, id`, exec.ID)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to load execution commands"), "execution_id", exec.ID)
	}

	byID := make(map[int64]*models.ExecutionCommand)
	for rows.Next() {
		c := models.ExecutionCommand{ExecutionID: exec.ID}
		var roles string
		var start, end sql.NullTime
		if err := rows.Scan(&c.ID, &c.Command, &roles, &c.Rank, &c.Status, &start, &end); err != nil {
			rows.Close()
			return zerr.Wrap(err, "failed to scan execution command")
		}
		c.Roles = decodeRoles(roles)
		c.TimeStart = nullTime(start)
		c.TimeEnd = nullTime(end)
		exec.Commands = append(exec.Commands, &c)
		byID[c.ID] = &c
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return zerr.Wrap(err, "failed to load execution commands")
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT u.id, u.execution_command_id, u.server_id, u.server_name, u.server_host, u.status,
		        u.time_start, u.time_end, u.return_code, u.output
		 FROM execution_command_servers u
		 JOIN execution_commands c ON c.id = u.execution_command_id
		 WHERE c.execution_id = ? ORDER BY u.id`, exec.ID)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to load units"), "execution_id", exec.ID)
	}
	defer rows.Close()

	for rows.Next() {
		var u models.ExecutionCommandServer
		var start, end sql.NullTime
		var code sql.NullInt64
		if err := rows.Scan(&u.ID, &u.ExecutionCommandID, &u.ServerID, &u.ServerName, &u.ServerHost, &u.Status,
			&start, &end, &code, &u.Output); err != nil {
			return zerr.Wrap(err, "failed to scan unit")
		}
		u.TimeStart = nullTime(start)
		u.TimeEnd = nullTime(end)
		if code.Valid {
			rc := int(code.Int64)
			u.ReturnCode = &rc
		}
		if cmd, ok := byID[u.ExecutionCommandID]; ok {
			cmd.Servers = append(cmd.Servers, &u)
		}
	}
	return rows.Err()
}

// ListExecutions returns executions without their children, newest first.
func (s *Storage) ListExecutions(ctx context.Context, f Filter, limit int) ([]*models.Execution, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions
		 WHERE (? = 0 OR task_id = ?)
		   AND (? = 0 OR environment_id = ?)
		   AND (? = '' OR user = ?)
		   AND (? = '' OR application = ?)
		 ORDER BY time_created DESC, id DESC LIMIT ?`,
		f.TaskID, f.TaskID, f.EnvironmentID, f.EnvironmentID, f.User, f.User, f.Application, f.Application, limit,
	)
	if err != nil {
		return nil, zerr.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var execs []*models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, zerr.Wrap(err, "failed to scan execution")
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// MarkDispatched claims a pending, never dispatched execution for the
// process ownerPID. Any other state yields ErrAlreadyDispatched.
func (s *Storage) MarkDispatched(ctx context.Context, id int64, dispatchID string, ownerPID int, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET dispatch_id = ?, owner_pid = ?, time_dispatched = ?
		 WHERE id = ? AND status = ? AND dispatch_id IS NULL`,
		dispatchID, ownerPID, at, id, models.StatusPending,
	)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to mark execution dispatched"), "execution_id", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return zerr.Wrap(err, "failed to read affected rows")
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE id = ?`, id).Scan(&exists); err != nil {
		return notFound(err, "execution", id)
	}
	return zerr.With(zerr.Wrap(ErrAlreadyDispatched, "cannot dispatch execution"), "execution_id", id)
}

// ListInFlight returns executions that were claimed by a dispatcher and
// have not reached a terminal status, oldest first, without children.
func (s *Storage) ListInFlight(ctx context.Context) ([]*models.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions
		 WHERE status = ? OR (status = ? AND dispatch_id IS NOT NULL)
		 ORDER BY id`,
		models.StatusRunning, models.StatusPending,
	)
	if err != nil {
		return nil, zerr.Wrap(err, "failed to list in-flight executions")
	}
	defer rows.Close()

	var execs []*models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, zerr.Wrap(err, "failed to scan execution")
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func (s *Storage) UpdateExecution(ctx context.Context, exec *models.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, time_start = ?, time_end = ? WHERE id = ?`,
		exec.Status, exec.TimeStart, exec.TimeEnd, exec.ID,
	)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to update execution"), "execution_id", exec.ID)
	}
	return nil
}

func (s *Storage) UpdateExecutionCommand(ctx context.Context, cmd *models.ExecutionCommand) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE execution_commands SET status = ?, time_start = ?, time_end = ? WHERE id = ?`,
		cmd.Status, cmd.TimeStart, cmd.TimeEnd, cmd.ID,
	)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to update execution command"), "command_id", cmd.ID)
	}
	return nil
}

func (s *Storage) UpdateExecutionCommandServer(ctx context.Context, u *models.ExecutionCommandServer) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE execution_command_servers SET status = ?, time_start = ?, time_end = ?, return_code = ?, output = ?
		 WHERE id = ?`,
		u.Status, u.TimeStart, u.TimeEnd, u.ReturnCode, u.Output, u.ID,
	)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to update unit"), "unit_id", u.ID)
	}
	return nil
}

// DeleteExecution removes an execution and everything it owns.
func (s *Storage) DeleteExecution(ctx context.Context, id int64) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM execution_live_logs WHERE execution_id = ?`,
			`DELETE FROM execution_command_servers WHERE execution_command_id IN
			   (SELECT id FROM execution_commands WHERE execution_id = ?)`,
			`DELETE FROM execution_commands WHERE execution_id = ?`,
			`DELETE FROM execution_parameters WHERE execution_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return zerr.With(zerr.Wrap(err, "failed to delete execution children"), "execution_id", id)
			}
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id)
		if err != nil {
			return zerr.With(zerr.Wrap(err, "failed to delete execution"), "execution_id", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return zerr.With(zerr.Wrap(ErrNotFound, "execution not found"), "execution", id)
		}
		return nil
	})
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
