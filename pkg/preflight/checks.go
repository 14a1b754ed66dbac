package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// checkAgentCLI verifies the agent CLI is on PATH and answers --version.
func checkAgentCLI(ctx context.Context, agent AgentInstaller, autoInstall bool) CheckResult {
	result := CheckResult{Check: CheckAgentCLI}

	version, err := agent.EnsureClaudeCode(ctx, autoInstall)
	if err != nil {
		result.Passed = false
		result.Message = fmt.Sprintf("%s is not installed or not runnable", agent.Command())
		result.Error = err
		return result
	}

	result.Passed = true
	result.Message = fmt.Sprintf("%s %s", agent.Command(), version)
	return result
}

// checkWorkspace verifies the project directory exists (creating it if
// needed) and accepts new files.
func checkWorkspace(projectDir string) CheckResult {
	result := CheckResult{Check: CheckWorkspace}

	if err := os.MkdirAll(projectDir, 0755); err != nil {
		result.Message = fmt.Sprintf("cannot create %s", projectDir)
		result.Error = err
		return result
	}

	tmp, err := os.CreateTemp(projectDir, ".autocoder-preflight-*")
	if err != nil {
		result.Message = fmt.Sprintf("%s is not writable", projectDir)
		result.Error = err
		return result
	}
	name := tmp.Name()
	_ = tmp.Close()
	_ = os.Remove(name)

	abs, err := filepath.Abs(projectDir)
	if err != nil {
		abs = projectDir
	}
	result.Passed = true
	result.Message = fmt.Sprintf("%s is writable", abs)
	return result
}
