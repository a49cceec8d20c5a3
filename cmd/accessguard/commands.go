package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/kazz187/accessguard/internal/agent"
	"github.com/kazz187/accessguard/internal/agent/repositoryimpl"
	"github.com/kazz187/accessguard/internal/config"
	"github.com/kazz187/accessguard/internal/enforce"
	"github.com/kazz187/accessguard/internal/gate"
	"github.com/kazz187/accessguard/internal/permission"
	"github.com/kazz187/accessguard/internal/sandbox"
	"github.com/kazz187/accessguard/pkg/storage"
)

func agentRepo() (agent.Repository, error) {
	s, err := storage.NewLocalStorage(*storageDir)
	if err != nil {
		return nil, err
	}
	return repositoryimpl.NewYAMLRepository(s), nil
}

// policyConfig builds the same enforce.Config as the server, with the
// command-line flags applied on top.
func policyConfig() (enforce.Config, error) {
	p, err := config.LoadPolicyEnv()
	if err != nil {
		return enforce.Config{}, err
	}
	if *homeDir != "" {
		p.HomeDir = *homeDir
	}
	if *appsDir != "" {
		p.AppsDir = *appsDir
	}
	if len(*appPolicyFiles) > 0 {
		p.AppPolicyFiles = *appPolicyFiles
	}
	p.ExtraSensitivePaths = append(p.ExtraSensitivePaths, *sensitivePaths...)
	return p.EnforceConfig(), nil
}

func runParse(raw []string) error {
	var errs []error
	for _, s := range raw {
		a, err := permission.Parse(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Printf("%s\t%s\n", color.CyanString(a.String()), a.Describe())
	}
	return errors.Join(errs...)
}

func runCheck(ctx context.Context, agentID, kind, path string) error {
	repo, err := agentRepo()
	if err != nil {
		return err
	}
	a, err := repo.Get(ctx, agentID)
	if err != nil {
		return err
	}
	cfg, err := policyConfig()
	if err != nil {
		return err
	}
	engine := enforce.New(cfg)

	var canonical string
	if kind == "write" {
		canonical, err = engine.CanWrite(ctx, a.Permissions, path)
	} else {
		canonical, err = engine.CanRead(ctx, a.Permissions, path)
	}
	switch {
	case err == nil:
		fmt.Printf("%s %s %s\n", color.GreenString("allowed"), kind, canonical)
		return nil
	case errors.Is(err, enforce.ErrPermissionDenied):
		fmt.Printf("%s %s\n", color.RedString("denied"), err)
		return errDenied
	default:
		return err
	}
}

// runRead copies path to w through a handle opened under the agent's
// permissions.
func runRead(ctx context.Context, w io.Writer, agentID, path string) error {
	repo, err := agentRepo()
	if err != nil {
		return err
	}
	a, err := repo.Get(ctx, agentID)
	if err != nil {
		return err
	}
	cfg, err := policyConfig()
	if err != nil {
		return err
	}
	f, err := enforce.New(cfg).OpenRead(ctx, a.Permissions, path)
	if errors.Is(err, enforce.ErrPermissionDenied) {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("denied"), err)
		return errDenied
	}
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func runGate(ctx context.Context, agentID, file, workingDir, wrapperName string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	var def gate.Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("failed to parse %s: %w", file, err)
	}
	repo, err := agentRepo()
	if err != nil {
		return err
	}
	a, err := repo.Get(ctx, agentID)
	if err != nil {
		return err
	}

	var wrapper sandbox.Wrapper = sandbox.NewBwrap("", "")
	if wrapperName == "none" {
		wrapper = sandbox.NewDirect("")
	}
	res := gate.NewExecutor(wrapper, nil).Check(ctx, def, a.Permissions, workingDir)

	switch {
	case res.ShouldRun:
		fmt.Println(color.GreenString("run"))
	case res.Error != "":
		fmt.Printf("%s %s\n", color.RedString("skip"), res.Error)
	default:
		fmt.Printf("%s exit code %d\n", color.YellowString("skip"), res.ExitCode)
	}
	if res.Stdout != "" {
		fmt.Print(res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
	}
	if !res.ShouldRun {
		return errDenied
	}
	return nil
}

func runGrant(ctx context.Context, agentID string, raw []string, dryRun bool) error {
	accesses, err := permission.ParseAll(raw)
	if err != nil {
		return err
	}
	repo, err := agentRepo()
	if err != nil {
		return err
	}
	before, err := repo.Get(ctx, agentID)
	if err != nil {
		return err
	}

	after := before.Permissions
	if !dryRun {
		a, err := agent.GrantAccess(ctx, repo, agentID, accesses, "cli", "")
		if err != nil {
			return err
		}
		after = a.Permissions
	} else {
		after, _ = permission.ApplyAll(after, accesses)
	}

	diff, err := agent.DiffPermissions(agentID, before.Permissions, after)
	if err != nil {
		return err
	}
	if diff == "" {
		fmt.Println("no change")
		return nil
	}
	printDiff(diff)
	if dryRun {
		fmt.Println(color.YellowString("dry run: nothing written"))
	}
	return nil
}

func printDiff(diff string) {
	for _, line := range strings.SplitAfter(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			fmt.Print(color.New(color.Bold).Sprint(line))
		case strings.HasPrefix(line, "+"):
			fmt.Print(color.GreenString(line))
		case strings.HasPrefix(line, "-"):
			fmt.Print(color.RedString(line))
		default:
			fmt.Print(line)
		}
	}
}
