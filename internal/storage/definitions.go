package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go.trai.ch/zerr"

	"github.com/mpataki/gun/internal/models"
)

// SaveTask inserts the task or replaces the stored definition of the task
// with the same application and name. IDs are written back to task.
func (s *Storage) SaveTask(ctx context.Context, task *models.Task) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM tasks WHERE application = ? AND name = ?`,
			task.Application, task.Name,
		).Scan(&id)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx,
				`INSERT INTO tasks (application, name, description) VALUES (?, ?, ?)`,
				task.Application, task.Name, task.Description,
			)
			if err != nil {
				return zerr.With(zerr.Wrap(err, "failed to insert task"), "task", task.Name)
			}
			if id, err = res.LastInsertId(); err != nil {
				return zerr.Wrap(err, "failed to read task id")
			}
		case err != nil:
			return zerr.With(zerr.Wrap(err, "failed to look up task"), "task", task.Name)
		default:
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET description = ? WHERE id = ?`, task.Description, id); err != nil {
				return zerr.With(zerr.Wrap(err, "failed to update task"), "task_id", id)
			}
			for _, q := range []string{
				`DELETE FROM task_commands WHERE task_id = ?`,
				`DELETE FROM task_parameters WHERE task_id = ?`,
			} {
				if _, err := tx.ExecContext(ctx, q, id); err != nil {
					return zerr.With(zerr.Wrap(err, "failed to clear task children"), "task_id", id)
				}
			}
		}
		task.ID = id

		for _, cmd := range task.Commands {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO task_commands (task_id, command, roles, rank) VALUES (?, ?, ?, ?)`,
				id, cmd.Command, encodeRoles(cmd.Roles), cmd.Rank,
			)
			if err != nil {
				return zerr.With(zerr.Wrap(err, "failed to insert task command"), "task_id", id)
			}
			if cmd.ID, err = res.LastInsertId(); err != nil {
				return zerr.Wrap(err, "failed to read command id")
			}
		}
		for _, p := range task.Parameters {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO task_parameters (task_id, name, default_value, description, rank) VALUES (?, ?, ?, ?, ?)`,
				id, p.Name, p.DefaultValue, p.Description, p.Rank,
			)
			if err != nil {
				return zerr.With(zerr.Wrap(err, "failed to insert task parameter"), "task_id", id)
			}
			if p.ID, err = res.LastInsertId(); err != nil {
				return zerr.Wrap(err, "failed to read parameter id")
			}
		}
		return nil
	})
}

func (s *Storage) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, application, name, description FROM tasks WHERE id = ?`, id)
	return s.loadTask(ctx, row, id)
}

func (s *Storage) GetTaskByName(ctx context.Context, application, name string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, application, name, description FROM tasks WHERE application = ? AND name = ?`,
		application, name,
	)
	return s.loadTask(ctx, row, application+"/"+name)
}

// ListTasks returns every task, or those of one application when it is set.
func (s *Storage) ListTasks(ctx context.Context, application string) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, application, name, description FROM tasks
		 WHERE ? = '' OR application = ? ORDER BY application, name`,
		application, application,
	)
	if err != nil {
		return nil, zerr.Wrap(err, "failed to list tasks")
	}

	var tasks []*models.Task
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.ID, &t.Application, &t.Name, &t.Description); err != nil {
			rows.Close()
			return nil, zerr.Wrap(err, "failed to scan task")
		}
		tasks = append(tasks, &t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, zerr.Wrap(err, "failed to list tasks")
	}

	// Children are loaded after the cursor is closed: the pool has one connection.
	for _, t := range tasks {
		if err := s.loadTaskChildren(ctx, t); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *Storage) loadTask(ctx context.Context, row scanner, key any) (*models.Task, error) {
	var t models.Task
	if err := row.Scan(&t.ID, &t.Application, &t.Name, &t.Description); err != nil {
		return nil, notFound(err, "task", key)
	}
	if err := s.loadTaskChildren(ctx, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Storage) loadTaskChildren(ctx context.Context, t *models.Task) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, roles, rank FROM task_commands WHERE task_id = ? ORDER BY rank, id`, t.ID)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to load task commands"), "task_id", t.ID)
	}
	for rows.Next() {
		var c models.TaskCommand
		var roles string
		if err := rows.Scan(&c.ID, &c.Command, &roles, &c.Rank); err != nil {
			rows.Close()
			return zerr.Wrap(err, "failed to scan task command")
		}
		c.Roles = decodeRoles(roles)
		t.Commands = append(t.Commands, &c)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx,
		`SELECT id, name, default_value, description, rank FROM task_parameters WHERE task_id = ? ORDER BY rank, id`, t.ID)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to load task parameters"), "task_id", t.ID)
	}
	defer rows.Close()
	for rows.Next() {
		var p models.TaskParameter
		if err := rows.Scan(&p.ID, &p.Name, &p.DefaultValue, &p.Description, &p.Rank); err != nil {
			return zerr.Wrap(err, "failed to scan task parameter")
		}
		t.Parameters = append(t.Parameters, &p)
	}
	return rows.Err()
}

// SaveEnvironment inserts or updates an environment. Servers are matched by
// name so a server keeps its ID across edits; servers no longer listed are
// removed.
func (s *Storage) SaveEnvironment(ctx context.Context, env *models.Environment) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM environments WHERE application = ? AND name = ?`,
			env.Application, env.Name,
		).Scan(&id)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx,
				`INSERT INTO environments (application, name) VALUES (?, ?)`, env.Application, env.Name)
			if err != nil {
				return zerr.With(zerr.Wrap(err, "failed to insert environment"), "environment", env.Name)
			}
			if id, err = res.LastInsertId(); err != nil {
				return zerr.Wrap(err, "failed to read environment id")
			}
		case err != nil:
			return zerr.With(zerr.Wrap(err, "failed to look up environment"), "environment", env.Name)
		}
		env.ID = id

		keep := make([]any, 0, len(env.Servers)+1)
		keep = append(keep, id)
		for i, srv := range env.Servers {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO servers (environment_id, name, host, port, user, roles, position)
				 VALUES (?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(environment_id, name) DO UPDATE SET
				   host = excluded.host, port = excluded.port, user = excluded.user,
				   roles = excluded.roles, position = excluded.position`,
				id, srv.Name, srv.Host, srv.Port, srv.User, encodeRoles(srv.Roles), i,
			)
			if err != nil {
				return zerr.With(zerr.Wrap(err, "failed to save server"), "server", srv.Name)
			}
			if err := tx.QueryRowContext(ctx,
				`SELECT id FROM servers WHERE environment_id = ? AND name = ?`, id, srv.Name,
			).Scan(&srv.ID); err != nil {
				return zerr.With(zerr.Wrap(err, "failed to read server id"), "server", srv.Name)
			}
			keep = append(keep, srv.ID)
		}

		q := `DELETE FROM servers WHERE environment_id = ?`
		if len(keep) > 1 {
			q += ` AND id NOT IN (?` + strings.Repeat(",?", len(keep)-2) + `)`
		}
		if _, err := tx.ExecContext(ctx, q, keep...); err != nil {
			return zerr.With(zerr.Wrap(err, "failed to prune servers"), "environment_id", id)
		}
		return nil
	})
}

func (s *Storage) GetEnvironment(ctx context.Context, id int64) (*models.Environment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, application, name FROM environments WHERE id = ?`, id)
	return s.loadEnvironment(ctx, row, id)
}

func (s *Storage) GetEnvironmentByName(ctx context.Context, application, name string) (*models.Environment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, application, name FROM environments WHERE application = ? AND name = ?`,
		application, name,
	)
	return s.loadEnvironment(ctx, row, application+"/"+name)
}

func (s *Storage) ListEnvironments(ctx context.Context, application string) ([]*models.Environment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, application, name FROM environments
		 WHERE ? = '' OR application = ? ORDER BY application, name`,
		application, application,
	)
	if err != nil {
		return nil, zerr.Wrap(err, "failed to list environments")
	}

	var envs []*models.Environment
	for rows.Next() {
		var e models.Environment
		if err := rows.Scan(&e.ID, &e.Application, &e.Name); err != nil {
			rows.Close()
			return nil, zerr.Wrap(err, "failed to scan environment")
		}
		envs = append(envs, &e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, zerr.Wrap(err, "failed to list environments")
	}

	for _, e := range envs {
		if err := s.loadServers(ctx, e); err != nil {
			return nil, err
		}
	}
	return envs, nil
}

func (s *Storage) loadEnvironment(ctx context.Context, row scanner, key any) (*models.Environment, error) {
	var e models.Environment
	if err := row.Scan(&e.ID, &e.Application, &e.Name); err != nil {
		return nil, notFound(err, "environment", key)
	}
	if err := s.loadServers(ctx, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Storage) loadServers(ctx context.Context, e *models.Environment) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, host, port, user, roles FROM servers WHERE environment_id = ? ORDER BY position, id`, e.ID)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to load servers"), "environment_id", e.ID)
	}
	defer rows.Close()

	for rows.Next() {
		var srv models.Server
		var roles string
		if err := rows.Scan(&srv.ID, &srv.Name, &srv.Host, &srv.Port, &srv.User, &roles); err != nil {
			return zerr.Wrap(err, "failed to scan server")
		}
		srv.Roles = decodeRoles(roles)
		e.Servers = append(e.Servers, &srv)
	}
	return rows.Err()
}
