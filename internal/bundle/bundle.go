// Package bundle saves and restores printer state as a directory
// bundle on the operator's machine. Database files sit flat at the
// bundle root; directory components get a subdirectory, so bundles
// stay inspectable and portable between runs.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/projectdiscovery/gologger"

	"github.com/Jacob10383/printerup/internal/executor"
	"github.com/Jacob10383/printerup/internal/transfer"
)

// Copier is the slice of the transfer engine the orchestrator needs.
type Copier interface {
	Copy(ctx context.Context, task transfer.Task) error
	ListRemoteDir(ctx context.Context, dir string) ([]string, error)
	RemoteFileExists(ctx context.Context, path string) (bool, error)
}

// Runner executes remote commands, used for service brackets around a
// restore.
type Runner interface {
	Run(ctx context.Context, inv executor.Invocation) (*executor.Result, error)
}

// Component is one independently saved and restored piece of printer
// state.
type Component struct {
	Name      string
	RemoteDir string

	// Files pins the component to a fixed file set. Empty means "every
	// regular file in RemoteDir". Pinned files live flat at the bundle
	// root; only directory components get a subdirectory.
	Files []string

	// PreRestore and PostRestore bracket the restore of this component
	// on the device, typically stopping the service that owns the
	// files. Backup never runs them.
	PreRestore  string
	PostRestore string
}

// bundleDir returns where this component's files live inside a bundle.
func (c Component) bundleDir(root string) string {
	if len(c.Files) > 0 {
		return root
	}
	return filepath.Join(root, c.Name)
}

// DefaultComponents covers the state worth carrying across a factory
// reset: the Moonraker databases and the uploaded gcode files.
func DefaultComponents() []Component {
	return []Component{
		{
			Name:        "database",
			RemoteDir:   "/usr/data/printer_data/database",
			Files:       []string{"data.mdb", "moonraker-sql.db"},
			PreRestore:  "/etc/init.d/moonraker stop",
			PostRestore: "/etc/init.d/moonraker start",
		},
		{
			Name:      "gcodes",
			RemoteDir: "/usr/data/printer_data/gcodes",
		},
	}
}

// FileError records one file that could not be moved.
type FileError struct {
	Path string
	Err  error
}

// Result summarizes one component after a backup or restore pass.
type Result struct {
	Component string
	Files     []string
	Errors    []FileError
}

// Orchestrator moves components between the device and a local bundle
// directory.
type Orchestrator struct {
	transfers  Copier
	runner     Runner
	components []Component
	cmdTimeout time.Duration
}

// NewOrchestrator builds an orchestrator. Nil components selects the
// defaults.
func NewOrchestrator(transfers Copier, runner Runner, components []Component) *Orchestrator {
	if components == nil {
		components = DefaultComponents()
	}
	return &Orchestrator{
		transfers:  transfers,
		runner:     runner,
		components: components,
		cmdTimeout: 30 * time.Second,
	}
}

// Backup downloads every component into localRoot. A file that fails
// is recorded and skipped; the other files and components still run.
func (o *Orchestrator) Backup(ctx context.Context, localRoot string) ([]Result, error) {
	var results []Result
	for _, comp := range o.components {
		res := o.backupComponent(ctx, comp, localRoot)
		results = append(results, res)
		gologger.Info().Msgf("backup %s: %d file(s), %d failure(s)",
			comp.Name, len(res.Files), len(res.Errors))
	}
	return results, aggregate("backup", results)
}

func (o *Orchestrator) backupComponent(ctx context.Context, comp Component, localRoot string) Result {
	res := Result{Component: comp.Name}

	names, err := o.remoteFiles(ctx, comp)
	if err != nil {
		res.Errors = append(res.Errors, FileError{Path: comp.RemoteDir, Err: err})
		return res
	}
	if len(names) == 0 {
		gologger.Info().Msgf("backup %s: nothing on the device, skipping", comp.Name)
		return res
	}

	for _, name := range names {
		task := transfer.Task{
			Direction: transfer.Download,
			Source:    path.Join(comp.RemoteDir, name),
			Dest:      filepath.Join(comp.bundleDir(localRoot), name),
		}
		if err := o.transfers.Copy(ctx, task); err != nil {
			res.Errors = append(res.Errors, FileError{Path: task.Source, Err: err})
			continue
		}
		res.Files = append(res.Files, name)
	}
	return res
}

// remoteFiles resolves the file set for a component. A pinned file
// list is filtered down to the files the device actually has; a
// directory component lists the directory, treating a missing
// directory as empty.
func (o *Orchestrator) remoteFiles(ctx context.Context, comp Component) ([]string, error) {
	if len(comp.Files) > 0 {
		var present []string
		for _, name := range comp.Files {
			ok, err := o.transfers.RemoteFileExists(ctx, path.Join(comp.RemoteDir, name))
			if err != nil {
				return nil, err
			}
			if ok {
				present = append(present, name)
			}
		}
		return present, nil
	}

	names, err := o.transfers.ListRemoteDir(ctx, comp.RemoteDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return names, err
}

// Restore uploads every component found in localRoot back to the
// device. Components missing from the bundle are skipped; an entirely
// empty bundle is a warning, not an error.
func (o *Orchestrator) Restore(ctx context.Context, localRoot string) ([]Result, error) {
	total := 0
	staged := make(map[string][]string, len(o.components))
	for _, comp := range o.components {
		names, err := stagedFiles(comp, localRoot)
		if err != nil {
			return nil, fmt.Errorf("reading bundle component %s: %w", comp.Name, err)
		}
		staged[comp.Name] = names
		total += len(names)
	}
	if total == 0 {
		gologger.Warning().Msgf("bundle %s holds no files, nothing to restore", localRoot)
		return nil, nil
	}

	var results []Result
	for _, comp := range o.components {
		names := staged[comp.Name]
		if len(names) == 0 {
			gologger.Info().Msgf("restore %s: not in bundle, skipping", comp.Name)
			results = append(results, Result{Component: comp.Name})
			continue
		}
		res := o.restoreComponent(ctx, comp, localRoot, names)
		results = append(results, res)
		gologger.Info().Msgf("restore %s: %d file(s), %d failure(s)",
			comp.Name, len(res.Files), len(res.Errors))
	}
	return results, aggregate("restore", results)
}

func (o *Orchestrator) restoreComponent(ctx context.Context, comp Component, localRoot string, names []string) (res Result) {
	res = Result{Component: comp.Name}

	if comp.PreRestore != "" {
		if err := o.runCommand(ctx, comp.PreRestore); err != nil {
			res.Errors = append(res.Errors, FileError{Path: comp.PreRestore, Err: err})
			return res
		}
		defer func() {
			if err := o.runCommand(ctx, comp.PostRestore); err != nil {
				res.Errors = append(res.Errors, FileError{Path: comp.PostRestore, Err: err})
			}
		}()
	}

	for _, name := range names {
		task := transfer.Task{
			Direction: transfer.Upload,
			Source:    filepath.Join(comp.bundleDir(localRoot), name),
			Dest:      path.Join(comp.RemoteDir, name),
		}
		if err := o.transfers.Copy(ctx, task); err != nil {
			res.Errors = append(res.Errors, FileError{Path: task.Dest, Err: err})
			continue
		}
		res.Files = append(res.Files, name)
	}
	return res
}

func (o *Orchestrator) runCommand(ctx context.Context, cmd string) error {
	_, err := o.runner.Run(ctx, executor.Invocation{
		Command: cmd,
		Timeout: o.cmdTimeout,
	})
	return err
}

// stagedFiles resolves which of a component's files a bundle holds.
// Pinned files are looked up flat at the bundle root; directory
// components list their subdirectory.
func stagedFiles(comp Component, localRoot string) ([]string, error) {
	if len(comp.Files) > 0 {
		var present []string
		for _, name := range comp.Files {
			info, err := os.Stat(filepath.Join(localRoot, name))
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if info.Mode().IsRegular() {
				present = append(present, name)
			}
		}
		return present, nil
	}
	return localFiles(comp.bundleDir(localRoot))
}

func localFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func aggregate(op string, results []Result) error {
	var failed []string
	for _, r := range results {
		for _, fe := range r.Errors {
			failed = append(failed, fe.Path)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("%s failed for: %s", op, strings.Join(failed, ", "))
}
