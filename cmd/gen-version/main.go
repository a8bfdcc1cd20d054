/*
	gen-version writes the cebra source file recording which git revision a binary is built
	from.  It is run through go generate in the cebra package.
*/
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/blang/semver"

	"github.com/dokempf/CebraEM/cebra"
)

var (
	outputfile = flag.String("o", "gitversion.go", "")
	pkgName    = flag.String("pkg", "cebra", "")
	showHelp   = flag.Bool("help", false, "")
)

const helpMessage = `
gen-version records the git revision and commit time of the source tree as Go code.
A release tag that disagrees with cebra.Version is reported.

Usage: gen-version [options]

      -o          =string   Output file (default gitversion.go)
      -pkg        =string   Package of the generated file (default cebra)
      -h, -help   (flag)    Show help message

`

const code = `// Code generated by gen-version. DO NOT EDIT.

package %s

func init() {
	gitVersion = %q
	gitCommitTime = %q
}
`

type revision struct {
	describe   string
	commitTime string
}

func gitOutput(git string, args ...string) (string, bool) {
	out, err := exec.Command(git, args...).Output()
	if err != nil {
		return "", false
	}
	s := strings.TrimSpace(string(out))
	return s, s != ""
}

func currentRevision(git string) revision {
	r := revision{describe: "notag", commitTime: "unknown"}
	if s, ok := gitOutput(git, "describe", "--abbrev=5", "--tags", "--always", "--dirty"); ok {
		r.describe = s
	}
	if s, ok := gitOutput(git, "log", "-1", "--format=%cI"); ok {
		r.commitTime = s
	}
	return r
}

// tagVersion returns the release named by the tag part of a describe string such as
// "v0.3.0-4-gab12c-dirty".  Untagged revisions yield false.
func tagVersion(describe string) (semver.Version, bool) {
	tag, _, _ := strings.Cut(strings.TrimPrefix(describe, "v"), "-")
	v, err := semver.Parse(tag)
	if err != nil {
		return semver.Version{}, false
	}
	return v, true
}

func render(pkg string, r revision) string {
	return fmt.Sprintf(code, pkg, r.describe, r.commitTime)
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = func() {
		fmt.Print(helpMessage)
	}
	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if !strings.HasSuffix(*outputfile, ".go") {
		fmt.Printf("Output file %q must be a .go file\n", *outputfile)
		os.Exit(1)
	}

	rev := revision{describe: "notag", commitTime: "unknown"}
	if gitPath, err := exec.LookPath("git"); err != nil {
		fmt.Printf("Unable to find git command, recording unknown revision: %v\n", err)
	} else {
		rev = currentRevision(gitPath)
	}
	if tagged, ok := tagVersion(rev.describe); ok {
		if release := semver.MustParse(cebra.Version); !tagged.Equals(release) {
			fmt.Printf("Warning: git tag %s differs from cebra.Version %s\n", tagged, release)
		}
	}
	if err := os.WriteFile(*outputfile, []byte(render(*pkgName, rev)), 0644); err != nil {
		fmt.Printf("Error saving go code: %v\n", err)
		os.Exit(1)
	}
}
