package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"codegrade/internal/grading/model"
	"codegrade/internal/grading/registry"

	"github.com/fatih/color"
)

var (
	passColor = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	skipColor = color.New(color.FgYellow)
	dimColor  = color.New(color.Faint)
)

func verdictColor(status model.Status) *color.Color {
	if status == model.StatusAccepted {
		return passColor
	}
	return failColor
}

func printReport(w io.Writer, report model.Report) {
	fmt.Fprintf(w, "verdict: %s (%d ms)\n", verdictColor(report.Verdict).Sprint(report.Verdict), report.TotalElapsedMs)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TEST\tRESULT\tTIME\tEXIT\tNOTE")
	for _, res := range report.Tests {
		fmt.Fprintf(tw, "%d\t%s\t%dms\t%d\t%s\n", res.TestID, resultCell(res), res.ElapsedMs, res.ExitCode, noteCell(res))
	}
	_ = tw.Flush()
}

func resultCell(res model.TestResult) string {
	switch {
	case res.Skipped:
		return skipColor.Sprint("skip")
	case res.Passed:
		return passColor.Sprint("pass")
	case res.Classification != "" && res.Classification != model.ClassCompleted:
		return failColor.Sprint(strings.ToLower(string(res.Classification)))
	default:
		return failColor.Sprint("fail")
	}
}

func noteCell(res model.TestResult) string {
	note := res.Error
	if note == "" && !res.Passed && !res.Skipped {
		note = res.ActualOutput
	}
	note = strings.TrimSpace(strings.ReplaceAll(note, "\n", " "))
	if len(note) > 60 {
		note = note[:57] + "..."
	}
	return dimColor.Sprint(note)
}

func printRuntimes(w io.Writer, runtimes []registry.Runtime) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LANGUAGE\tALIASES\tIMAGE\tCOMMAND")
	for _, rt := range runtimes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", rt.Language, strings.Join(rt.Aliases, ","), rt.Image, rt.CommandTemplate)
	}
	_ = tw.Flush()
}
