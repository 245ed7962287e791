package db

import (
	"context"
	"fmt"
)

// Tables are the tables our migrations create, in the order they are created
var Tables = []string{"creators", "withdrawals", "ledger_entries", "withdrawal_audit"}

// DumpTable dumps up to limit rows of the given table into raw strings,
// along with the column names. Each element in the returned rows is a row,
// and each column within that row is a element of a list. NULL values are
// rendered as "NULL". Only tables in Tables can be dumped.
func (d *DB) DumpTable(ctx context.Context, table string, limit int) (columns []string, rows [][]string, err error) {
	known := false
	for _, t := range Tables {
		known = known || t == table
	}
	if !known {
		return nil, nil, fmt.Errorf("unknown table %q", table)
	}
	if limit <= 0 {
		limit = 100
	}

	selectRows, err := d.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s LIMIT $1`, table), limit)
	if err != nil {
		return nil, nil, err
	}
	defer selectRows.Close()

	columns, err = selectRows.Columns()
	if err != nil {
		return nil, nil, err
	}

	raw := make([][]byte, len(columns))
	dest := make([]interface{}, len(columns))
	for i := range raw {
		dest[i] = &raw[i]
	}

	rows = [][]string{}
	for selectRows.Next() {
		if err = selectRows.Scan(dest...); err != nil {
			return nil, nil, err
		}
		row := make([]string, len(columns))
		for i, value := range raw {
			if value == nil {
				row[i] = "NULL"
			} else {
				row[i] = string(value)
			}
		}
		rows = append(rows, row)
	}

	return columns, rows, selectRows.Err()
}
