// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/apex-lang/apex/internal/config"
	"github.com/apex-lang/apex/internal/issue"
	"github.com/apex-lang/apex/internal/project"
	"github.com/apex-lang/apex/pkg/registryapi"
	"github.com/apex-lang/apex/pkg/registryclient"
)

var (
	loginUsername      string
	loginPasswordStdin bool
	loginRegister      bool
	loginEmail         string

	// loginCmd exchanges credentials for a session token
	loginCmd = &cobra.Command{
		Use:   "login [registry]",
		Short: "Log in to a package registry",
		Long: `Log in to a package registry and cache the session token in
$APEX_HOME/config.toml.

The registry defaults to the project's [registry] url, then to
registry.default. With --register the account is created first.`,
		Example: `  apex login
  apex login https://registry.example.com --username alice
  echo "$PASSWORD" | apex login --username alice --password-stdin`,
		Args: cobra.MaximumNArgs(1),
		RunE: runLogin,
	}

	// logoutCmd forgets the cached token
	logoutCmd = &cobra.Command{
		Use:   "logout",
		Short: "Forget the cached registry session",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}

	// publishCmd archives and uploads the project
	publishCmd = &cobra.Command{
		Use:   "publish [registry]",
		Short: "Publish the project to a package registry",
		Long: `Archive the project (without target/ and .git/) and upload it with
its manifest. Publishing a version that already exists fails.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runPublish,
	}

	// yankCmd hides a version from resolution
	yankCmd = &cobra.Command{
		Use:   "yank <package>@<version>",
		Short: "Exclude a published version from dependency resolution",
		Long: `Mark a published version as yanked. Yanked versions are skipped by
new resolutions but stay downloadable for projects that lock them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error { return runYank(cmd, args[0], true) },
	}

	// unyankCmd undoes a yank
	unyankCmd = &cobra.Command{
		Use:   "unyank <package>@<version>",
		Short: "Make a yanked version resolvable again",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return runYank(cmd, args[0], false) },
	}

	// ownerCmd groups the ownership subcommands
	ownerCmd = &cobra.Command{
		Use:   "owner",
		Short: "Manage the owners of a published package",
	}

	ownerListCmd = &cobra.Command{
		Use:   "list <package>",
		Short: "List the owners of a package",
		Args:  cobra.ExactArgs(1),
		RunE:  runOwnerList,
	}

	ownerAddCmd = &cobra.Command{
		Use:   "add <package> <username>",
		Short: "Add an owner to a package",
		Args:  cobra.ExactArgs(2),
		RunE:  runOwnerAdd,
	}

	ownerRemoveCmd = &cobra.Command{
		Use:   "remove <package> <username>",
		Short: "Remove an owner from a package",
		Long:  `Remove an owner from a package. A package always keeps at least one owner.`,
		Args:  cobra.ExactArgs(2),
		RunE:  runOwnerRemove,
	}

	registryFlag string
)

func init() {
	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", "", "account name (prompted when omitted)")
	loginCmd.Flags().BoolVar(&loginPasswordStdin, "password-stdin", false, "read the password from stdin")
	loginCmd.Flags().BoolVar(&loginRegister, "register", false, "create the account before logging in")
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "email address for --register")

	for _, c := range []*cobra.Command{yankCmd, unyankCmd, ownerCmd} {
		c.PersistentFlags().StringVar(&registryFlag, "registry", "", "registry URL (default from Apex.toml or config)")
	}

	ownerCmd.AddCommand(ownerListCmd)
	ownerCmd.AddCommand(ownerAddCmd)
	ownerCmd.AddCommand(ownerRemoveCmd)

	rootCmd.AddCommand(logoutCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := loadApp(ctx)
	if err != nil {
		return failed(cmd, err)
	}
	override := ""
	if len(args) > 0 {
		override = args[0]
	}
	client := app.RegistryClient(override)

	in := bufio.NewReader(cmd.InOrStdin())
	username := loginUsername
	if username == "" {
		if username, err = prompt(cmd, in, "Username: "); err != nil {
			return failed(cmd, err)
		}
	}
	password, err := readPassword(cmd, in)
	if err != nil {
		return failed(cmd, err)
	}
	if username == "" || password == "" {
		return failed(cmd, errors.New("username and password must not be empty"))
	}

	if loginRegister {
		if _, err := client.Register(ctx, username, loginEmail, password); err != nil {
			return failed(cmd, issue.WrapWithResource(err, "register account", username))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Registered %s\n", SuccessStyle.Render("✓"), CmdStyle.Render(username))
	}

	resp, err := client.Login(ctx, username, password)
	if err != nil {
		return failed(cmd, issue.NewErrorContext().
			WithOperation("log in").
			WithResource(client.BaseURL()).
			WithKind(registryKind(err)).
			Wrap(err).
			BuildError())
	}
	app.Config.SetAuth(client.BaseURL(), resp.Username, resp.Token)
	if err := config.Save(app.Home, app.Config); err != nil {
		return failed(cmd, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Logged in to %s as %s\n",
		SuccessStyle.Render("✓"), client.BaseURL(), CmdStyle.Render(resp.Username))
	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	app, err := loadApp(cmd.Context())
	if err != nil {
		return failed(cmd, err)
	}
	if !app.Config.LoggedIn() {
		fmt.Fprintln(cmd.OutOrStdout(), SubtitleStyle.Render("Not logged in"))
		return nil
	}
	app.Config.ClearAuth()
	if err := config.Save(app.Home, app.Config); err != nil {
		return failed(cmd, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Logged out\n", SuccessStyle.Render("✓"))
	return nil
}

// registryKind picks the catalog entry for a failed registry call.
func registryKind(err error) issue.Id {
	switch {
	case errors.Is(err, registryclient.ErrAuthRequired):
		return issue.AuthRequiredId
	case registryclient.StatusOf(err) == 0:
		return issue.RegistryUnavailableId
	}
	return 0
}

func prompt(cmd *cobra.Command, in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), label)
	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// readPassword reads a line from stdin with --password-stdin, or prompts
// without echo when stdin is a terminal.
func readPassword(cmd *cobra.Command, in *bufio.Reader) (string, error) {
	if loginPasswordStdin {
		line, err := in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal; use --password-stdin")
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := loadApp(ctx)
	if err != nil {
		return failed(cmd, err)
	}
	override := ""
	if len(args) > 0 {
		override = args[0]
	}
	p, client, err := app.OpenProject(override)
	if err != nil {
		return failed(cmd, err)
	}
	m := p.Manifest
	fmt.Fprintf(cmd.ErrOrStderr(), "%s %s v%s to %s\n",
		statusStyle.Render("Publishing"), m.Package.Name, m.Package.Version, client.BaseURL())

	resp, err := p.Publish(ctx, client)
	if err != nil {
		return failed(cmd, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Published %s@%s\n",
		SuccessStyle.Render("✓"), CmdStyle.Render(resp.Name), resp.Version)
	return nil
}

func runYank(cmd *cobra.Command, spec string, yank bool) error {
	ctx := cmd.Context()
	name, version := project.ParsePackageSpec(spec)
	if version == "" {
		return failed(cmd, fmt.Errorf("%q must name a version as <package>@<version>", spec))
	}
	app, err := loadApp(ctx)
	if err != nil {
		return failed(cmd, err)
	}
	client := app.RegistryClient(registryFlag)

	var resp *registryapi.YankResponse
	op := "yank version"
	if yank {
		resp, err = client.Yank(ctx, name, version)
	} else {
		op = "unyank version"
		resp, err = client.Unyank(ctx, name, version)
	}
	if err != nil {
		return failed(cmd, issue.NewErrorContext().
			WithOperation(op).
			WithResource(spec).
			WithKind(registryKind(err)).
			Wrap(err).
			BuildError())
	}

	state := "Unyanked"
	if resp.Yanked {
		state = "Yanked"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s@%s\n", SuccessStyle.Render("✓"), state, CmdStyle.Render(resp.Name), resp.Version)
	return nil
}

func runOwnerList(cmd *cobra.Command, args []string) error {
	app, err := loadApp(cmd.Context())
	if err != nil {
		return failed(cmd, err)
	}
	owners, err := app.RegistryClient(registryFlag).ListOwners(cmd.Context(), args[0])
	if err != nil {
		return failed(cmd, issue.WrapWithResource(err, "list owners", args[0]))
	}
	printOwners(cmd.OutOrStdout(), owners)
	return nil
}

func runOwnerAdd(cmd *cobra.Command, args []string) error {
	app, err := loadApp(cmd.Context())
	if err != nil {
		return failed(cmd, err)
	}
	owners, err := app.RegistryClient(registryFlag).AddOwner(cmd.Context(), args[0], args[1])
	if err != nil {
		return failed(cmd, issue.NewErrorContext().
			WithOperation("add owner").
			WithResource(args[0]).
			WithKind(registryKind(err)).
			Wrap(err).
			BuildError())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Added %s as an owner of %s\n", SuccessStyle.Render("✓"), args[1], CmdStyle.Render(args[0]))
	printOwners(cmd.OutOrStdout(), owners)
	return nil
}

func runOwnerRemove(cmd *cobra.Command, args []string) error {
	app, err := loadApp(cmd.Context())
	if err != nil {
		return failed(cmd, err)
	}
	owners, err := app.RegistryClient(registryFlag).RemoveOwner(cmd.Context(), args[0], args[1])
	if err != nil {
		return failed(cmd, issue.NewErrorContext().
			WithOperation("remove owner").
			WithResource(args[0]).
			WithKind(registryKind(err)).
			Wrap(err).
			BuildError())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Removed %s from the owners of %s\n", SuccessStyle.Render("✓"), args[1], CmdStyle.Render(args[0]))
	printOwners(cmd.OutOrStdout(), owners)
	return nil
}

func printOwners(w io.Writer, owners *registryapi.OwnerList) {
	fmt.Fprintln(w, TitleStyle.Render("Owners of "+owners.Package))
	for _, o := range owners.Owners {
		fmt.Fprintf(w, "  %s\n", o)
	}
}
