// build.go - licensegate build system
// Usage: go run build.go [--target=TARGET] [--public-key=KEY | --public-key-file=FILE]
// Targets: all, server, ctl, test, clean, release

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
)

const module = "licensegate"

// BuildContext holds configuration for the build process
type BuildContext struct {
	Verbose   bool
	Version   string
	PublicKey    string
	ProductID    string
	IssuerURL    string
	GraceWindow  string
	GraceWarning string
	GOOS         string
	GOARCH       string
}

var (
	rootDir string
	distDir string

	// Executable names (key = source dir under cmd/, value = output name)
	executables = map[string]string{
		"license-server": "license-server",
		"licensectl":     "licensectl",
	}

	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func init() {
	cwd, err := os.Getwd()
	if err != nil {
		panic(fmt.Sprintf("Failed to get current directory: %v", err))
	}
	rootDir = cwd
	distDir = filepath.Join(rootDir, "dist")

	if _, err := os.Stat(filepath.Join(rootDir, "go.mod")); os.IsNotExist(err) {
		panic(fmt.Sprintf("go.mod not found in %s; run build.go from the repository root", rootDir))
	}
}

func main() {
	target := flag.String("target", "all", "Build target")
	verbose := flag.BoolP("verbose", "v", false, "Verbose output")
	version := flag.String("version", "", "Version string (default: git describe)")
	publicKey := flag.String("public-key", "", "Base64 Ed25519 public key to embed")
	publicKeyFile := flag.String("public-key-file", "license_public_key.txt", "File holding the public key to embed")
	productID := flag.String("product", "", "Product id to embed (default: the source default)")
	issuerURL := flag.String("issuer-url", "", "Issuer base URL licensectl re-checks against")
	graceWindow := flag.String("grace-window", "", "Offline grace window, e.g. 168h")
	graceWarning := flag.String("grace-warning", "", "Warning band before the grace window ends, e.g. 24h")
	flag.Parse()

	if runtime.GOOS == "windows" {
		colorReset, colorRed, colorGreen, colorYellow, colorCyan = "", "", "", "", ""
	}

	printHeader()
	startTime := time.Now()

	ctx := &BuildContext{
		Verbose:   *verbose,
		Version:   *version,
		PublicKey:    strings.TrimSpace(*publicKey),
		ProductID:    *productID,
		IssuerURL:    *issuerURL,
		GraceWindow:  *graceWindow,
		GraceWarning: *graceWarning,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
	}
	if ctx.Version == "" {
		ctx.Version = gitVersion()
	}
	if ctx.PublicKey == "" {
		if data, err := os.ReadFile(*publicKeyFile); err == nil {
			ctx.PublicKey = strings.TrimSpace(string(data))
		}
	}

	var err error
	switch *target {
	case "all":
		err = buildAll(ctx)
	case "server":
		err = buildExecutable("license-server", ctx)
	case "ctl":
		err = buildExecutable("licensectl", ctx)
	case "test":
		err = runTests(ctx.Verbose)
	case "clean":
		err = clean(ctx.Verbose)
	case "release":
		err = buildRelease(ctx)
	default:
		showHelp()
		os.Exit(1)
	}
	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}

	printSuccess(fmt.Sprintf("Build completed in %s", time.Since(startTime).Round(time.Millisecond)))
}

func printHeader() {
	fmt.Printf("%s=== %s build ===%s\n", colorCyan, module, colorReset)
}

func printInfo(msg string) {
	fmt.Printf("%s[INFO]%s %s\n", colorCyan, colorReset, msg)
}

func printSuccess(msg string) {
	fmt.Printf("%s[OK]%s %s\n", colorGreen, colorReset, msg)
}

func printError(msg string) {
	fmt.Printf("%s[ERROR]%s %s\n", colorRed, colorReset, msg)
}

func printWarning(msg string) {
	fmt.Printf("%s[WARN]%s %s\n", colorYellow, colorReset, msg)
}

func buildAll(ctx *BuildContext) error {
	for _, name := range []string{"license-server", "licensectl"} {
		if err := buildExecutable(name, ctx); err != nil {
			return err
		}
	}
	return nil
}

// ldflags embeds the verification key, product, client policy and version.
func ldflags(ctx *BuildContext) string {
	flags := []string{
		"-s", "-w",
		fmt.Sprintf("-X %s/internal/app.Version=%s", module, ctx.Version),
	}
	if ctx.PublicKey != "" {
		flags = append(flags, fmt.Sprintf("-X %s/internal/license.publicKey=%s", module, ctx.PublicKey))
	}
	if ctx.ProductID != "" {
		flags = append(flags, fmt.Sprintf("-X %s/internal/license.productID=%s", module, ctx.ProductID))
	}
	if ctx.IssuerURL != "" {
		flags = append(flags, fmt.Sprintf("-X %s/internal/entitlement.issuerURL=%s", module, ctx.IssuerURL))
	}
	if ctx.GraceWindow != "" {
		flags = append(flags, fmt.Sprintf("-X %s/internal/entitlement.graceWindow=%s", module, ctx.GraceWindow))
	}
	if ctx.GraceWarning != "" {
		flags = append(flags, fmt.Sprintf("-X %s/internal/entitlement.graceWarning=%s", module, ctx.GraceWarning))
	}
	return strings.Join(flags, " ")
}

func buildExecutable(name string, ctx *BuildContext) error {
	output, ok := executables[name]
	if !ok {
		return fmt.Errorf("unknown executable %q", name)
	}
	if ctx.GOOS == "windows" {
		output += ".exe"
	}

	if name == "licensectl" && ctx.PublicKey == "" {
		printWarning("No public key given; licensectl will not verify licenses. Run `licensectl keygen` first.")
	}

	outDir := filepath.Join(distDir, ctx.GOOS+"_"+ctx.GOARCH)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", outDir, err)
	}

	printInfo(fmt.Sprintf("Building %s (%s/%s, %s)", name, ctx.GOOS, ctx.GOARCH, ctx.Version))
	cmd := exec.Command("go", "build",
		"-trimpath",
		"-ldflags", ldflags(ctx),
		"-o", filepath.Join(outDir, output),
		"./cmd/"+name,
	)
	cmd.Dir = rootDir
	cmd.Env = append(os.Environ(), "GOOS="+ctx.GOOS, "GOARCH="+ctx.GOARCH, "CGO_ENABLED=0")
	return run(cmd, ctx.Verbose)
}

func buildRelease(ctx *BuildContext) error {
	if ctx.PublicKey == "" {
		return fmt.Errorf("release builds require a public key (--public-key or --public-key-file)")
	}
	if ctx.IssuerURL == "" {
		printWarning("No --issuer-url given; release clients will re-check against http://localhost:3001")
	}

	platforms := [][2]string{
		{"linux", "amd64"},
		{"linux", "arm64"},
		{"darwin", "arm64"},
		{"windows", "amd64"},
	}
	for _, p := range platforms {
		release := *ctx
		release.GOOS, release.GOARCH = p[0], p[1]
		if err := buildAll(&release); err != nil {
			return err
		}
	}
	return nil
}

func runTests(verbose bool) error {
	args := []string{"test", "-race", "./..."}
	if verbose {
		args = append(args, "-v")
	}
	printInfo("Running tests")
	cmd := exec.Command("go", args...)
	cmd.Dir = rootDir
	return run(cmd, true)
}

func clean(verbose bool) error {
	printInfo("Removing " + distDir)
	if err := os.RemoveAll(distDir); err != nil {
		return fmt.Errorf("remove %s: %w", distDir, err)
	}
	if verbose {
		printInfo("Clean done")
	}
	return nil
}

func run(cmd *exec.Cmd, verbose bool) error {
	if verbose {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w\n%s", strings.Join(cmd.Args, " "), err, out)
	}
	return nil
}

func gitVersion() string {
	out, err := exec.Command("git", "describe", "--tags", "--always", "--dirty").Output()
	if err != nil {
		return "dev"
	}
	return strings.TrimSpace(string(out))
}

func showHelp() {
	fmt.Println(`Usage: go run build.go [--target=TARGET] [flags]

Targets:
  all      Build license-server and licensectl (default)
  server   Build license-server
  ctl      Build licensectl
  test     Run all tests with the race detector
  clean    Remove dist/
  release  Cross-compile both binaries; requires a public key

Flags:
  --public-key       base64 Ed25519 public key to embed
  --public-key-file  file holding the key (default license_public_key.txt)
  --product          product id to embed
  --issuer-url       issuer base URL for licensectl re-checks
  --grace-window     offline grace window (default 168h)
  --grace-warning    warning band before the window ends (default 24h)
  --version          version string (default git describe)
  -v, --verbose      show compiler output`)
}
