package executor

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/planweave/planweave/workflow"
)

// runCode executes a source snippet in a subprocess. Sandboxed execution
// (the default) runs with a scrubbed environment; non-sandboxed code only
// reaches this handler after the side-effect gate allowed it.
func (e *Executor) runCode(ctx context.Context, node workflow.Node, hc *HandlerContext) (map[string]interface{}, error) {
	language := strings.ToLower(configString(node, "language", "python"))
	source := renderTemplate(configString(node, "source", ""), hc)
	sandbox := configBool(node, "sandbox", true)
	timeout := time.Duration(configInt(node, "timeout_seconds", 60)) * time.Second

	var name string
	var args []string
	switch language {
	case "python":
		name, args = "python3", []string{"-c", source}
	case "sh", "shell", "bash":
		name, args = "sh", []string{"-c", source}
	case "node", "javascript":
		name, args = "node", []string{"-e", source}
	default:
		return nil, nodeErr(CodeNodeExecutionError, node.ID, "unsupported code language "+language, nil)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, name, args...)
	if sandbox {
		cmd.Env = []string{"PATH=/usr/bin:/bin", "HOME=/tmp"}
		cmd.Dir = "/tmp"
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, nodeErr(CodeNodeExecutionError, node.ID, "code execution failed: "+err.Error(), err)
		}
	}

	return map[string]interface{}{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	}, nil
}

// runContainer runs a one-shot container through the local container
// runtime CLI.
func (e *Executor) runContainer(ctx context.Context, node workflow.Node, _ *HandlerContext) (map[string]interface{}, error) {
	image := configString(node, "image", "")

	args := []string{"run", "--rm"}
	if env, ok := node.Config["env"].(map[string]interface{}); ok {
		for k, v := range env {
			args = append(args, "-e", fmt.Sprintf("%s=%s", k, stringify(v)))
		}
	}
	args = append(args, image)
	if command, ok := node.Config["command"].([]interface{}); ok {
		for _, c := range command {
			args = append(args, stringify(c))
		}
	}

	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, nodeErr(CodeNodeExecutionError, node.ID, "container run failed: "+err.Error()+stderr.String(), err)
		}
	}

	return map[string]interface{}{
		"stdout":    stdout.String(),
		"exit_code": exitCode,
	}, nil
}

// runDatabase executes a statement against an external database. Reads
// return rows; writes (operation exec) pass the side-effect gate first and
// return the affected-row count.
func (e *Executor) runDatabase(ctx context.Context, node workflow.Node, _ *HandlerContext) (map[string]interface{}, error) {
	driver := strings.ToLower(configString(node, "driver", "sqlite"))
	dsn := configString(node, "dsn", "")
	operation := strings.ToLower(configString(node, "operation", "query"))
	statement := configString(node, "statement", "")

	var driverName string
	switch driver {
	case "sqlite":
		driverName = "sqlite"
	case "mysql":
		driverName = "mysql"
	default:
		return nil, nodeErr(CodeNodeExecutionError, node.ID, "unsupported database driver "+driver, nil)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, nodeErr(CodeNodeExecutionError, node.ID, "database open failed: "+err.Error(), err)
	}
	defer func() { _ = db.Close() }()

	var args []interface{}
	if raw, ok := node.Config["args"].([]interface{}); ok {
		args = raw
	}

	switch operation {
	case "query":
		rows, err := db.QueryContext(ctx, statement, args...)
		if err != nil {
			return nil, nodeErr(CodeNodeExecutionError, node.ID, "query failed: "+err.Error(), err)
		}
		defer func() { _ = rows.Close() }()

		columns, err := rows.Columns()
		if err != nil {
			return nil, nodeErr(CodeNodeExecutionError, node.ID, "query failed: "+err.Error(), err)
		}

		var out []interface{}
		for rows.Next() {
			values := make([]interface{}, len(columns))
			scan := make([]interface{}, len(columns))
			for i := range values {
				scan[i] = &values[i]
			}
			if err := rows.Scan(scan...); err != nil {
				return nil, nodeErr(CodeNodeExecutionError, node.ID, "row scan failed: "+err.Error(), err)
			}
			record := map[string]interface{}{}
			for i, col := range columns {
				if b, ok := values[i].([]byte); ok {
					record[col] = string(b)
				} else {
					record[col] = values[i]
				}
			}
			out = append(out, record)
		}
		if err := rows.Err(); err != nil {
			return nil, nodeErr(CodeNodeExecutionError, node.ID, "query failed: "+err.Error(), err)
		}
		return map[string]interface{}{"rows": out, "rows_affected": 0}, nil

	case "exec":
		res, err := db.ExecContext(ctx, statement, args...)
		if err != nil {
			return nil, nodeErr(CodeNodeExecutionError, node.ID, "exec failed: "+err.Error(), err)
		}
		affected, _ := res.RowsAffected()
		return map[string]interface{}{"rows": []interface{}{}, "rows_affected": int(affected)}, nil

	default:
		return nil, nodeErr(CodeNodeExecutionError, node.ID, "unknown database operation "+operation, nil)
	}
}
