package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Template returns an example config file for direction.
func Template(direction string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(direction)) {
	case "export":
		return exportTemplate, nil
	case "import":
		return importTemplate, nil
	default:
		return "", fmt.Errorf("unknown config direction: %s", direction)
	}
}

func WriteTemplate(path, direction string, overwrite bool) error {
	template, err := Template(direction)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const exportTemplate = `# One table per project; select it with --project.
[my-project]
username = "alice"
url = "https://workspace.source.example.com"
api_key = "replace-me"
output_dir = "~/migration-staging"
# ca_path = "/etc/ssl/certs/source-ca.pem"
parallelism = 2
check_disk_space = true
files_root = "/home/cdsw"
ssh_host = "source-gateway.example.com"
ssh_port = 22
ssh_user = "alice"
ssh_key_path = "~/.ssh/id_ed25519"
# ssh_known_hosts = "~/.ssh/known_hosts"
# runtime_map_file = "~/.migratectl/runtime-map.yaml"
# status_addr = "127.0.0.1:9300"
# status_token = "replace-me"
`

const importTemplate = `# One table per project; select it with --project.
[my-project]
username = "alice"
url = "https://workspace.target.example.com"
api_key = "replace-me"
output_dir = "~/migration-staging"
parallelism = 2
adopt_existing = false
# default_runtime = "docker.repository.cloudera.com/cloudera/cdsw/ml-runtime-workbench-python3.9-standard:2023.05.2-b7"
files_root = "/home/cdsw"
ssh_host = "target-gateway.example.com"
ssh_port = 22
ssh_user = "alice"
ssh_key_path = "~/.ssh/id_ed25519"
# status_addr = "127.0.0.1:9301"
# status_token = "replace-me"
`
