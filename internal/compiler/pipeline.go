// SPDX-License-Identifier: MPL-2.0

// Package compiler drives a project build: dependencies, source, parse,
// validation, IR, lowering, emission, the ELF writer and a final check of
// the written file. Each stage runs in its own trace span and a failure
// names the stage it happened in.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.trai.ch/zerr"

	"github.com/apex-lang/apex/internal/compiler/check"
	"github.com/apex-lang/apex/internal/compiler/codegen"
	"github.com/apex-lang/apex/internal/compiler/elf"
	"github.com/apex-lang/apex/internal/compiler/ir"
	"github.com/apex-lang/apex/internal/compiler/syntax"
	"github.com/apex-lang/apex/pkg/manifest"
)

// TargetDir is the build output root inside a project.
const TargetDir = "target"

// Stage names, in pipeline order.
const (
	StageDependencies = "ensure_dependencies"
	StageReadSource   = "read_source"
	StageParse        = "parse"
	StageValidate     = "validate"
	StageBuildIR      = "build_ir"
	StageDumpIR       = "dump_ir"
	StageLower        = "lower"
	StageEmit         = "emit"
	StageWriteElf     = "write_elf"
	StageValidateElf  = "validate_elf"
)

const tracerName = "github.com/apex-lang/apex/internal/compiler"

type (
	// DependencyEnsurer makes the project's dependencies available before
	// compilation.
	DependencyEnsurer interface {
		EnsureDependencies(ctx context.Context) error
	}

	// Options configures a build.
	Options struct {
		Arch    Arch
		Profile Profile
		// EmitIR writes the IR text next to the executable as <name>.ir.
		EmitIR bool
		// Dependencies is consulted first when set.
		Dependencies DependencyEnsurer
		Logger       *log.Logger
	}

	// Result describes a finished build.
	Result struct {
		Output  string
		IRPath  string
		Arch    Arch
		Profile Profile
		Module  *ir.Module
	}

	pipeline struct {
		m      *manifest.Manifest
		opts   Options
		log    *log.Logger
		tracer trace.Tracer
	}
)

func newPipeline(m *manifest.Manifest, opts Options) *pipeline {
	if opts.Arch == "" {
		opts.Arch = ManifestArch(m)
	}
	if opts.Profile == "" {
		opts.Profile = ProfileDebug
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &pipeline{m: m, opts: opts, log: logger, tracer: otel.Tracer(tracerName)}
}

// stage runs fn in a span named after the stage and tags a failure with it.
func (p *pipeline) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("apex.package", p.m.Package.Name),
		attribute.String("apex.arch", string(p.opts.Arch)),
	))
	defer span.End()

	p.log.Debug("stage", "name", name)
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zerr.With(zerr.Wrap(err, name+" failed"), "stage", name)
	}
	return nil
}

// StageOf returns the stage a build error came from, or "".
func StageOf(err error) string {
	var ze *zerr.Error
	if !errors.As(err, &ze) {
		return ""
	}
	stage, _ := ze.Metadata()["stage"].(string)
	return stage
}

// OutputPath is target/<arch>/<profile>/<package name> under the project.
func OutputPath(m *manifest.Manifest, arch Arch, profile Profile) string {
	return filepath.Join(m.Dir(), TargetDir, string(arch), string(profile), m.Package.Name)
}

// SourcePath is src/main.<language> under the project.
func SourcePath(m *manifest.Manifest) string {
	return filepath.Join(m.Dir(), "src", "main."+m.Language())
}

// Build compiles the project described by m.
func Build(ctx context.Context, m *manifest.Manifest, opts Options) (*Result, error) {
	p := newPipeline(m, opts)
	res := &Result{
		Output:  OutputPath(m, p.opts.Arch, p.opts.Profile),
		Arch:    p.opts.Arch,
		Profile: p.opts.Profile,
	}

	file, info, err := p.frontEnd(ctx)
	if err != nil {
		return nil, err
	}

	err = p.stage(ctx, StageBuildIR, func(context.Context) error {
		mod, err := ir.Build(file, info)
		if err != nil {
			return err
		}
		res.Module = mod
		return ir.Verify(mod)
	})
	if err != nil {
		return nil, err
	}

	if p.opts.EmitIR {
		res.IRPath = res.Output + ".ir"
		err = p.stage(ctx, StageDumpIR, func(context.Context) error {
			if err := os.MkdirAll(filepath.Dir(res.IRPath), 0o755); err != nil {
				return err
			}
			return os.WriteFile(res.IRPath, []byte(res.Module.String()), 0o644)
		})
		if err != nil {
			return nil, err
		}
	}

	var mc *codegen.MachineCode
	switch p.opts.Arch {
	case ArchX86:
		var lm *ir.LoweredModule
		if err := p.stage(ctx, StageLower, func(context.Context) (err error) {
			lm, err = ir.LowerX86(res.Module)
			return err
		}); err != nil {
			return nil, err
		}
		if err := p.stage(ctx, StageEmit, func(context.Context) (err error) {
			mc, err = codegen.EmitX86(lm)
			return err
		}); err != nil {
			return nil, err
		}
	case ArchX86_64:
		var em *ir.EntryModule
		if err := p.stage(ctx, StageLower, func(context.Context) (err error) {
			em, err = ir.LowerX86_64(res.Module)
			return err
		}); err != nil {
			return nil, err
		}
		if err := p.stage(ctx, StageEmit, func(context.Context) (err error) {
			mc, err = codegen.EmitX86_64(em)
			return err
		}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown target %q", p.opts.Arch)
	}

	layout := p.opts.Arch.Layout()
	if err := p.stage(ctx, StageWriteElf, func(context.Context) error {
		return elf.Write(res.Output, layout, mc)
	}); err != nil {
		return nil, err
	}
	if err := p.stage(ctx, StageValidateElf, func(context.Context) error {
		return elf.Validate(res.Output, layout)
	}); err != nil {
		// The file failed its own check and must not be run.
		_ = os.Remove(res.Output)
		return nil, err
	}

	p.log.Debug("built", "output", res.Output, "arch", res.Arch, "profile", res.Profile)
	return res, nil
}

// Check runs the pipeline up to validation without writing anything.
func Check(ctx context.Context, m *manifest.Manifest, opts Options) error {
	_, _, err := newPipeline(m, opts).frontEnd(ctx)
	return err
}

func (p *pipeline) frontEnd(ctx context.Context) (*syntax.File, *check.Info, error) {
	if p.opts.Dependencies != nil {
		if err := p.stage(ctx, StageDependencies, p.opts.Dependencies.EnsureDependencies); err != nil {
			return nil, nil, err
		}
	}

	path := SourcePath(p.m)
	var src []byte
	if err := p.stage(ctx, StageReadSource, func(context.Context) (err error) {
		src, err = os.ReadFile(path)
		return err
	}); err != nil {
		return nil, nil, err
	}

	rel := path
	if r, err := filepath.Rel(p.m.Dir(), path); err == nil {
		rel = r
	}
	var file *syntax.File
	if err := p.stage(ctx, StageParse, func(context.Context) (err error) {
		file, err = syntax.Parse(rel, src)
		return err
	}); err != nil {
		return nil, nil, err
	}

	var info *check.Info
	if err := p.stage(ctx, StageValidate, func(context.Context) (err error) {
		info, err = check.Check(file)
		return err
	}); err != nil {
		return nil, nil, err
	}
	return file, info, nil
}

// Clean removes the project's target directory. It reports whether there
// was anything to remove.
func Clean(m *manifest.Manifest) (bool, error) {
	dir := filepath.Join(m.Dir(), TargetDir)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	return true, nil
}
