package internal

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Format defines the interface used to deliver results to the end user.
type Formatter interface {
	PrintProviders(providers []ProviderInfo) error
	PrintMaps(provider string, maps []Visualization) error

	// PrintStatus is called as dataset uploads progress.
	//
	// This function should be safe for concurent use.
	PrintStatus(status DatasetStatus) error

	PrintResult(result *UploadResult) error

	// Flush is called when the formatter should finish outputing any data it
	// may have buffered.
	Flush() error
}

// FormatterFactory
type FormatterFactory func(io.Writer) Formatter

// Formatters holds available formatters
var Formatters = map[string]FormatterFactory{
	"text": NewTextFormatter,
	"json": NewJSONFormatter,
}

// TextFormatter prints the result as human readable text.
type TextFormatter struct {
	io.Writer
	mu *sync.Mutex
}

func NewTextFormatter(out io.Writer) Formatter {
	return TextFormatter{
		Writer: out,
		mu:     &sync.Mutex{},
	}
}

func (f TextFormatter) PrintProviders(providers []ProviderInfo) error {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	for _, p := range providers {
		state := "disabled"
		switch {
		case p.Connected:
			state = green("connected as " + p.UserName)
		case p.Enabled:
			state = yellow("not connected")
		}
		fmt.Fprintf(f.Writer, "%s %s (%s)\n", yellow(p.Name+":"), p.DisplayName, state)
		if len(p.Capabilities) > 0 {
			fmt.Fprintln(f.Writer, "    "+strings.Join(p.Capabilities, ", "))
		}
	}
	return nil
}

func (f TextFormatter) PrintMaps(provider string, maps []Visualization) error {
	if len(maps) == 0 {
		fmt.Fprintln(f.Writer, "No maps found")
		return nil
	}

	fmt.Fprintf(f.Writer, "Found %s\n\n", pluralize(len(maps), "map"))
	yellow := color.New(color.FgYellow).SprintFunc()
	for _, m := range maps {
		visibility := "public"
		if m.Private {
			visibility = "private"
		}
		fmt.Fprintf(f.Writer, "%s %s (%s, %s)\n", yellow(m.ID+":"), m.Title, visibility, m.LastModified.Local().Format(time.DateTime))
		if m.Description != "" {
			fmt.Fprintln(f.Writer, "    "+singleLine(m.Description))
		}
	}
	return nil
}

func (f TextFormatter) PrintStatus(status DatasetStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	state := strings.ToUpper(string(status.State))
	switch status.State {
	case Uploaded:
		state = color.New(color.FgGreen).Sprint(state)
	case Failed:
		state = color.New(color.FgRed).Sprint(state)
	}
	line := fmt.Sprintf("%s (%s)", status.Label, state)
	if status.Err != "" {
		line += ": " + singleLine(status.Err)
	}
	_, err := fmt.Fprintln(f.Writer, line)
	return err
}

func (f TextFormatter) PrintResult(result *UploadResult) error {
	if result == nil {
		return nil
	}
	if result.ShareURL != "" {
		fmt.Fprintf(f.Writer, "\nSaved map %s\n%s\n", result.MapID, result.ShareURL)
		return nil
	}
	fmt.Fprintf(f.Writer, "\nExported %s\n", pluralize(len(result.Datasets), "dataset"))
	return nil
}

func (f TextFormatter) Flush() error { return nil }

// JSONFormatter prints the result as a JSON object.
type JSONFormatter struct {
	sync.Mutex

	entries map[string]interface{}
	encoder *json.Encoder
}

func NewJSONFormatter(out io.Writer) Formatter {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return &JSONFormatter{
		entries: make(map[string]interface{}),
		encoder: encoder,
	}
}

func (f *JSONFormatter) PrintProviders(providers []ProviderInfo) error {
	f.Lock()
	defer f.Unlock()
	f.entries["providers"] = providers
	return nil
}

func (f *JSONFormatter) PrintMaps(provider string, maps []Visualization) error {
	f.Lock()
	defer f.Unlock()
	f.entries["provider"] = provider
	f.entries["maps"] = maps
	return nil
}

// PrintStatus keeps only final states; the result carries them anyway.
func (f *JSONFormatter) PrintStatus(status DatasetStatus) error {
	return nil
}

func (f *JSONFormatter) PrintResult(result *UploadResult) error {
	f.Lock()
	defer f.Unlock()
	f.entries["result"] = result
	return nil
}

func (f *JSONFormatter) Flush() error {
	f.Lock()
	defer f.Unlock()
	return f.encoder.Encode(&f.entries)
}
