package harness

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Language is a target language of the benchmarked codebases.
type Language string

const (
	LangCPP    Language = "cpp"
	LangJava   Language = "java"
	LangPython Language = "python"
	LangTS     Language = "ts"
)

// KnownLanguages returns the supported languages.
func KnownLanguages() []Language {
	return []Language{LangCPP, LangJava, LangPython, LangTS}
}

// ParseLanguage validates s against KnownLanguages.
func ParseLanguage(s string) (Language, error) {
	for _, l := range KnownLanguages() {
		if string(l) == s {
			return l, nil
		}
	}

	return "", fmt.Errorf("unsupported language %q, only %s are supported",
		s, joinNames(KnownLanguages()))
}

// Tool is a benchmarked dependency extractor.
type Tool string

const (
	ToolDepends     Tool = "depends"
	ToolENRE        Tool = "enre"
	ToolSourceTrail Tool = "sourcetrail"
	ToolUnderstand  Tool = "understand"
)

// KnownTools returns every tool in declared order. The order is both the
// execution order within a project and the CSV column order.
func KnownTools() []Tool {
	return []Tool{ToolDepends, ToolENRE, ToolSourceTrail, ToolUnderstand}
}

// ParseTool validates s against KnownTools, case-insensitively.
func ParseTool(s string) (Tool, error) {
	s = strings.ToLower(s)
	for _, t := range KnownTools() {
		if string(t) == s {
			return t, nil
		}
	}

	return "", fmt.Errorf("unknown tool %q, only %s are supported",
		s, joinNames(KnownTools()))
}

// Label is the display name used in CSV headers and logs.
func (t Tool) Label() string {
	switch t {
	case ToolDepends:
		return "Depends"
	case ToolENRE:
		return "ENRE"
	case ToolSourceTrail:
		return "SourceTrail"
	case ToolUnderstand:
		return "Understand"
	default:
		return string(t)
	}
}

// ToolByLabel is the inverse of Tool.Label.
func ToolByLabel(label string) (Tool, bool) {
	for _, t := range KnownTools() {
		if t.Label() == label {
			return t, true
		}
	}

	return "", false
}

// Layout locates repositories, scratch output and tool installations.
// Relative jar and binary paths are resolved against ToolsDir.
type Layout struct {
	RepoDir  string
	OutDir   string
	ToolsDir string

	Java        string
	Understand  string
	SourceTrail string
	DependsJar  string
	ENREJavaJar string
	ENRECppJar  string
	// ENREDir holds native ENRE builds named enre-<language>.
	ENREDir string
}

// RepoPath returns the local clone location of a project.
func (l Layout) RepoPath(project string) string {
	return filepath.Join(l.RepoDir, project)
}

// ScratchDir returns the private output directory of a tool run.
func (l Layout) ScratchDir(tool Tool, lang Language) string {
	if tool == ToolENRE {
		return filepath.Join(l.OutDir, fmt.Sprintf("%s-%s", tool, lang))
	}

	return filepath.Join(l.OutDir, string(tool))
}

// Abs resolves the layout directories against the working directory, so
// that commands run from a scratch dir still see the same files.
func (l Layout) Abs() (Layout, error) {
	for _, p := range []*string{&l.RepoDir, &l.OutDir, &l.ToolsDir} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return Layout{}, fmt.Errorf("resolve %q: %w", *p, err)
		}

		*p = abs
	}

	return l, nil
}

func (l Layout) inTools(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(l.ToolsDir, p)
}

// CommandConfig holds the resolved command for one tool run.
// Prerequisite, when set, must exist for the run to happen.
type CommandConfig struct {
	Binary       string
	Args         []string
	Dir          string
	Prerequisite string
}

// BuildCommand returns the command line that runs tool on a project.
// Every path it emits is absolute.
func BuildCommand(l Layout, tool Tool, lang Language, project string) (CommandConfig, error) {
	l, err := l.Abs()
	if err != nil {
		return CommandConfig{}, err
	}

	repo := l.RepoPath(project)
	dir := l.ScratchDir(tool, lang)

	switch tool {
	case ToolENRE:
		switch lang {
		case LangJava:
			return CommandConfig{
				Binary: l.Java,
				Args:   []string{"-jar", l.inTools(l.ENREJavaJar), "java", repo, project},
				Dir:    dir,
			}, nil
		case LangCPP:
			return CommandConfig{
				Binary: l.Java,
				Args:   []string{"-jar", l.inTools(l.ENRECppJar), "cpp", repo, project, project},
				Dir:    dir,
			}, nil
		default:
			return CommandConfig{
				Binary: filepath.Join(l.inTools(l.ENREDir), "enre-"+string(lang)),
				Args:   []string{repo},
				Dir:    dir,
			}, nil
		}

	case ToolDepends:
		return CommandConfig{
			Binary: l.Java,
			Args: []string{
				"-jar", l.inTools(l.DependsJar),
				string(lang), repo, project, "-g", "var",
			},
			Dir: dir,
		}, nil

	case ToolUnderstand:
		db := filepath.Join(dir, project+".und")

		return CommandConfig{
			Binary: l.Understand,
			Args: []string{
				"create", "-db", db, "-languages", understandLanguage(lang),
				"add", repo, "analyze", "-all",
			},
			Dir: dir,
		}, nil

	case ToolSourceTrail:
		projectFile := filepath.Join(dir, project+".srctrlprj")

		return CommandConfig{
			Binary:       l.SourceTrail,
			Args:         []string{"index", "--project-file", projectFile},
			Dir:          dir,
			Prerequisite: projectFile,
		}, nil

	default:
		return CommandConfig{}, fmt.Errorf("unknown tool %q", tool)
	}
}

func understandLanguage(lang Language) string {
	switch lang {
	case LangCPP:
		return "C++"
	case LangJava:
		return "Java"
	case LangTS:
		return "Web"
	default:
		return "Python"
	}
}

func joinNames[T ~string](names []T) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}

	return strings.Join(parts, " / ")
}
