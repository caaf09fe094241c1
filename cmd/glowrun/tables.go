package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/jygan/glow/devices"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, _ int) lipgloss.Style {
			switch {
			case row < 0:
				return headerRowStyle
			case row%2 == 0:
				return oddRowStyle
			default:
				return evenRowStyle
			}
		})
}

func printDeviceStatus(statuses []devices.Status) {
	table := newPlainTable()
	table.Headers("Device", "Kind", "Memory", "Free", "Partitions", "Queued", "Running")
	for _, status := range statuses {
		table.Row(status.Name, status.Kind,
			humanize.Bytes(status.MemoryBytes), humanize.Bytes(status.AvailableBytes),
			strconv.Itoa(status.LoadedPartitions), strconv.Itoa(status.QueuedRuns),
			strconv.Itoa(status.RunningRuns))
	}
	fmt.Println(table.Render())
}
