// Package worker implements the out-of-process execution engine: a socket
// server speaking the framed protocol, and the executor that materializes
// plans into artifacts.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowfile/flowfile/internal/artifact"
	"github.com/flowfile/flowfile/internal/ipc"
	"github.com/flowfile/flowfile/internal/plan"
	"github.com/flowfile/flowfile/internal/table"
)

// Executor turns one plan into one artifact.
type Executor struct {
	log zerolog.Logger
}

func NewExecutor(log zerolog.Logger) *Executor {
	return &Executor{log: log.With().Str("component", "executor").Logger()}
}

// Run loads the plan's inputs, applies its op, enforces the memory budget and
// materializes the result at the plan's artifact path.
func (e *Executor) Run(ctx context.Context, p *plan.Plan, report func(ipc.ProgressMsg)) (artifact.Ref, error) {
	started := time.Now()
	progress := func(fraction float64, rows int64, stage string) {
		if report != nil {
			report(ipc.ProgressMsg{TaskID: p.TaskID, Fraction: fraction, Rows: rows, Stage: stage})
		}
	}

	inputs := make([]*table.Table, len(p.Inputs))
	named := make(map[string]*table.Table, len(p.Inputs))
	for i, in := range p.Inputs {
		if err := ctx.Err(); err != nil {
			return artifact.Ref{}, err
		}
		t, err := table.ReadArtifact(in.Artifact, p.SampleRows)
		if err != nil {
			return artifact.Ref{}, fmt.Errorf("input %s: %w", in.Port, err)
		}
		inputs[i] = t
		named[in.Port] = t
	}
	progress(0.1, 0, "inputs")

	out, err := e.apply(ctx, p, inputs, named)
	if err != nil {
		return artifact.Ref{}, err
	}
	if err := ctx.Err(); err != nil {
		return artifact.Ref{}, err
	}
	if p.MemoryBudget > 0 {
		if est := out.EstimateBytes(); est > p.MemoryBudget {
			return artifact.Ref{}, fmt.Errorf("result of ~%d bytes exceeds memory budget %d", est, p.MemoryBudget)
		}
	}
	progress(0.7, int64(out.NumRows()), "materialized")

	if err := table.WriteIPC(out, p.ArtifactPath); err != nil {
		return artifact.Ref{}, fmt.Errorf("write artifact: %w", err)
	}
	ref := artifact.Ref{
		Path:   p.ArtifactPath,
		Format: artifact.FormatIPC,
		Schema: out.Schema(),
		Rows:   int64(out.NumRows()),
		Hash:   p.ArtifactHash,
	}
	progress(1, ref.Rows, "done")
	e.log.Debug().
		Str("task_id", p.TaskID).
		Str("kind", p.Kind).
		Int64("rows", ref.Rows).
		Dur("elapsed", time.Since(started)).
		Msg("plan executed")
	return ref, nil
}

func (e *Executor) apply(ctx context.Context, p *plan.Plan, inputs []*table.Table, named map[string]*table.Table) (*table.Table, error) {
	switch p.Kind {
	case "manual_input":
		op, err := plan.DecodeOp[plan.ManualInputOp](p)
		if err != nil {
			return nil, err
		}
		return manualTable(op, p.SampleRows)

	case "read_csv":
		op, err := plan.DecodeOp[plan.ReadCSVOp](p)
		if err != nil {
			return nil, err
		}
		return table.ReadCSV(op.Path, table.CSVOptions{
			Delimiter: firstRune(op.Delimiter),
			SkipLines: op.SkipLines,
			HasHeader: op.HasHeader,
			MaxRows:   p.SampleRows,
		})

	case "read_parquet":
		op, err := plan.DecodeOp[plan.ReadParquetOp](p)
		if err != nil {
			return nil, err
		}
		return table.ReadParquet(op.Path, p.SampleRows)

	case "read_excel":
		op, err := plan.DecodeOp[plan.ReadExcelOp](p)
		if err != nil {
			return nil, err
		}
		return table.ReadExcel(op.Path, table.ExcelOptions{
			Sheet:     op.Sheet,
			SkipLines: op.SkipLines,
			HasHeader: op.HasHeader,
			MaxRows:   p.SampleRows,
		})

	case "read_json":
		op, err := plan.DecodeOp[plan.ReadJSONOp](p)
		if err != nil {
			return nil, err
		}
		return table.ReadJSON(op.Path, p.SampleRows)

	case "cloud_storage_reader":
		op, err := plan.DecodeOp[plan.CloudReadOp](p)
		if err != nil {
			return nil, err
		}
		return e.cloudRead(ctx, op, p.SampleRows)

	case "cloud_storage_writer":
		op, err := plan.DecodeOp[plan.CloudWriteOp](p)
		if err != nil {
			return nil, err
		}
		if err := e.cloudWrite(ctx, op, inputs[0]); err != nil {
			return nil, err
		}
		return inputs[0], nil

	case "database_reader":
		op, err := plan.DecodeOp[plan.DatabaseReadOp](p)
		if err != nil {
			return nil, err
		}
		return e.databaseRead(ctx, op, p.SampleRows)

	case "database_writer":
		op, err := plan.DecodeOp[plan.DatabaseWriteOp](p)
		if err != nil {
			return nil, err
		}
		if err := e.databaseWrite(ctx, op, inputs[0]); err != nil {
			return nil, err
		}
		return inputs[0], nil

	case "select":
		op, err := plan.DecodeOp[plan.SelectOp](p)
		if err != nil {
			return nil, err
		}
		cols := make([]table.SelectColumn, len(op.Columns))
		for i, c := range op.Columns {
			cols[i] = table.SelectColumn{Old: c.Old, New: c.New, Type: columnType(c.Type), Keep: c.Keep}
		}
		return inputs[0].Select(cols, op.KeepMissing)

	case "filter":
		op, err := plan.DecodeOp[plan.FilterOp](p)
		if err != nil {
			return nil, err
		}
		if op.Mode == "expression" {
			prog, err := table.CompileRowExpr(inputs[0].Schema(), op.Expression)
			if err != nil {
				return nil, err
			}
			return inputs[0].FilterExpr(prog)
		}
		return inputs[0].FilterPredicate(table.Predicate{
			Field:    op.Field,
			Operator: op.Operator,
			Value:    op.Value,
			Value2:   op.Value2,
		})

	case "sort":
		op, err := plan.DecodeOp[plan.SortOp](p)
		if err != nil {
			return nil, err
		}
		keys := make([]table.SortKey, len(op.Keys))
		for i, k := range op.Keys {
			keys[i] = table.SortKey{Column: k.Column, Descending: k.Descending}
		}
		return inputs[0].Sort(keys)

	case "unique":
		op, err := plan.DecodeOp[plan.UniqueOp](p)
		if err != nil {
			return nil, err
		}
		return inputs[0].Unique(op.Columns, op.Keep)

	case "head":
		op, err := plan.DecodeOp[plan.HeadOp](p)
		if err != nil {
			return nil, err
		}
		return inputs[0].Head(op.N), nil

	case "sample":
		op, err := plan.DecodeOp[plan.SampleOp](p)
		if err != nil {
			return nil, err
		}
		return inputs[0].SampleN(op.N, op.Seed), nil

	case "record_id":
		op, err := plan.DecodeOp[plan.RecordIDOp](p)
		if err != nil {
			return nil, err
		}
		return inputs[0].RecordID(op.Name, op.Offset)

	case "formula":
		op, err := plan.DecodeOp[plan.FormulaOp](p)
		if err != nil {
			return nil, err
		}
		prog, err := table.CompileRowExpr(inputs[0].Schema(), op.Expression)
		if err != nil {
			return nil, err
		}
		values, err := inputs[0].MapExpr(prog)
		if err != nil {
			return nil, err
		}
		return inputs[0].WithColumn(op.Column, columnType(op.Type), values)

	case "join":
		op, err := plan.DecodeOp[plan.JoinOp](p)
		if err != nil {
			return nil, err
		}
		return inputs[0].Join(inputs[1], op.How, op.LeftOn, op.RightOn, op.Suffix)

	case "cross_join":
		op, err := plan.DecodeOp[plan.CrossJoinOp](p)
		if err != nil {
			return nil, err
		}
		return inputs[0].CrossJoin(inputs[1], op.Suffix)

	case "union":
		op, err := plan.DecodeOp[plan.UnionOp](p)
		if err != nil {
			return nil, err
		}
		return table.Union(inputs, op.Relaxed)

	case "group_by":
		op, err := plan.DecodeOp[plan.GroupByOp](p)
		if err != nil {
			return nil, err
		}
		aggs := make([]table.Agg, len(op.Aggs))
		for i, a := range op.Aggs {
			aggs[i] = table.Agg{Column: a.Column, Func: a.Func, Alias: a.Alias}
		}
		return inputs[0].GroupBy(op.Keys, aggs)

	case "pivot":
		op, err := plan.DecodeOp[plan.PivotOp](p)
		if err != nil {
			return nil, err
		}
		return inputs[0].Pivot(op.Index, op.Columns, op.Values, op.Agg)

	case "unpivot":
		op, err := plan.DecodeOp[plan.UnpivotOp](p)
		if err != nil {
			return nil, err
		}
		return inputs[0].Unpivot(op.IDVars, op.ValueVars, op.VarName, op.ValueName)

	case "polars_code":
		op, err := plan.DecodeOp[plan.CodeOp](p)
		if err != nil {
			return nil, err
		}
		return runCode(op, p.Inputs, named)

	case "output":
		op, err := plan.DecodeOp[plan.OutputOp](p)
		if err != nil {
			return nil, err
		}
		if err := writeOutput(op, inputs[0]); err != nil {
			return nil, err
		}
		return inputs[0], nil
	}
	return nil, fmt.Errorf("unknown plan kind %q", p.Kind)
}

func manualTable(op *plan.ManualInputOp, maxRows int) (*table.Table, error) {
	rows := op.Rows
	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	coerced := make([][]any, len(rows))
	for ri, r := range rows {
		if len(r) != len(op.Columns) {
			return nil, fmt.Errorf("manual_input: row %d has %d values, expected %d", ri, len(r), len(op.Columns))
		}
		nr := make([]any, len(r))
		for ci, v := range r {
			cv, err := table.Coerce(v, op.Columns[ci].Type)
			if err != nil {
				return nil, fmt.Errorf("manual_input: row %d column %q: %w", ri, op.Columns[ci].Name, err)
			}
			nr[ci] = cv
		}
		coerced[ri] = nr
	}
	return table.New(op.Columns, coerced)
}

func writeOutput(op *plan.OutputOp, t *table.Table) error {
	switch op.Format {
	case "csv", "":
		return table.WriteCSV(t, op.Path, firstRune(op.Delimiter), op.WriteMode)
	case "parquet":
		if op.WriteMode == "new-file" {
			if err := refuseExisting(op.Path); err != nil {
				return err
			}
		}
		return table.WriteParquet(t, op.Path)
	case "excel":
		if op.WriteMode == "new-file" {
			if err := refuseExisting(op.Path); err != nil {
				return err
			}
		}
		return table.WriteExcel(t, op.Path, op.Sheet)
	default:
		return fmt.Errorf("output: unknown format %q", op.Format)
	}
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}
