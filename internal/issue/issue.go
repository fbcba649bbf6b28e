// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"maps"
	"slices"

	"github.com/charmbracelet/glamour"
)

type Id int

const (
	ManifestNotFoundId Id = iota + 1
	ManifestInvalidId
	AuthRequiredId
	ChecksumMismatchId
	UnsafeArchiveId
	ResolutionFailedId
	RegistryConflictId
	RegistryUnavailableId
	LockfileOutdatedId
	BuildFailedId
	InvalidElfId
)

type MarkdownMsg string

type HttpLink string

type Issue struct {
	id       Id
	mdMsg    MarkdownMsg
	docLinks []HttpLink
}

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

// Render renders the guidance with glamour using the given style
// ("dark", "light", "notty", or a JSON style path).
func (i *Issue) Render(style string) (string, error) {
	md := string(i.mdMsg)
	if len(i.docLinks) > 0 {
		md += "\n\n## See also\n"
		for _, link := range i.docLinks {
			md += "- <" + string(link) + ">\n"
		}
	}
	return render(md, style)
}

var (
	render = glamour.Render

	manifestNotFoundIssue = &Issue{
		id: ManifestNotFoundId,
		mdMsg: `
# No Apex.toml found

Project commands look for ` + "`Apex.toml`" + ` in the current directory, or at the
path given with ` + "`--manifest-path`" + `.

## Things you can try
~~~
$ apex new hello
$ apex init .
~~~`,
	}

	manifestInvalidIssue = &Issue{
		id: ManifestInvalidId,
		mdMsg: `
# The manifest is invalid

` + "`[package]`" + ` needs a ` + "`name`" + ` and a semantic ` + "`version`" + `, and every
dependency constraint must be a valid requirement.

~~~toml
[package]
name = "hello"
version = "0.1.0"

[dependencies]
util = "^1.2"
~~~`,
	}

	authRequiredIssue = &Issue{
		id: AuthRequiredId,
		mdMsg: `
# Not logged in

The registry rejected the request because no valid session token was sent,
or the token has expired (tokens last 24 hours).

## Things you can try
~~~
$ apex login
~~~
Publishing, yanking and owner changes also require that you own the package.`,
	}

	checksumMismatchIssue = &Issue{
		id: ChecksumMismatchId,
		mdMsg: `
# Checksum mismatch

A downloaded archive does not hash to the checksum recorded in ` + "`Apex.lock`" + `
or advertised by the registry. The archive was discarded.

## Things you can try
- Retry; a proxy may have altered the download
- If the package was republished upstream, refresh the pin with ` + "`apex update <pkg>`",
	}

	unsafeArchiveIssue = &Issue{
		id: UnsafeArchiveId,
		mdMsg: `
# Unsafe archive entry

The archive contains an absolute path, a ` + "`..`" + ` segment or a symlink.
Nothing was extracted from it.`,
	}

	resolutionFailedIssue = &Issue{
		id: ResolutionFailedId,
		mdMsg: `
# Dependencies could not be resolved

No combination of published, non-yanked versions satisfies every constraint.
The message above lists each constraint on the failing package and where it
came from (` + "`manifest`" + `, ` + "`lockfile`" + ` or a dependent package).

## Things you can try
- Relax the requirement in ` + "`[dependencies]`" + `
- Run ` + "`apex update <pkg>`" + ` to release a lockfile pin`,
	}

	registryConflictIssue = &Issue{
		id: RegistryConflictId,
		mdMsg: `
# Registry conflict

Published versions are immutable: the same name and version cannot be
published twice, and only owners may publish new versions of a package.

## Things you can try
- Bump ` + "`version`" + ` in ` + "`Apex.toml`" + ` and publish again
- Ask an owner to run ` + "`apex owner add <pkg> <you>`",
	}

	registryUnavailableIssue = &Issue{
		id: RegistryUnavailableId,
		mdMsg: `
# Registry unavailable

The registry could not be reached. Check ` + "`[registry] url`" + ` in ` + "`Apex.toml`" + `,
` + "`registry.default`" + ` in ` + "`~/.apex/config.toml`" + `, or ` + "`APEX_REGISTRY_DEFAULT`" + `.`,
	}

	lockfileOutdatedIssue = &Issue{
		id: LockfileOutdatedId,
		mdMsg: `
# Lockfile needs update

` + "`--locked`" + ` forbids changes to ` + "`Apex.lock`" + `, but the manifest asks for
dependencies the lockfile does not pin.

~~~
$ apex install
~~~`,
	}

	buildFailedIssue = &Issue{
		id: BuildFailedId,
		mdMsg: `
# Build failed

The compiler stopped at the stage named above. Source diagnostics carry
` + "`line:column`" + ` positions; run ` + "`apex check`" + ` for the full list.`,
	}

	invalidElfIssue = &Issue{
		id: InvalidElfId,
		mdMsg: `
# Invalid executable

The written ELF file failed self-verification (magic, class or machine).
The output was removed. This is a compiler bug; please report it with the
output of ` + "`apex build --emit-ir`" + `.`,
	}

	issues = map[Id]*Issue{
		manifestNotFoundIssue.Id():    manifestNotFoundIssue,
		manifestInvalidIssue.Id():     manifestInvalidIssue,
		authRequiredIssue.Id():        authRequiredIssue,
		checksumMismatchIssue.Id():    checksumMismatchIssue,
		unsafeArchiveIssue.Id():       unsafeArchiveIssue,
		resolutionFailedIssue.Id():    resolutionFailedIssue,
		registryConflictIssue.Id():    registryConflictIssue,
		registryUnavailableIssue.Id(): registryUnavailableIssue,
		lockfileOutdatedIssue.Id():    lockfileOutdatedIssue,
		buildFailedIssue.Id():         buildFailedIssue,
		invalidElfIssue.Id():          invalidElfIssue,
	}
)

// Values returns every catalog entry ordered by id.
func Values() []*Issue {
	out := make([]*Issue, 0, len(issues))
	for _, id := range slices.Sorted(maps.Keys(issues)) {
		out = append(out, issues[id])
	}
	return out
}

func Get(id Id) *Issue {
	return issues[id]
}
