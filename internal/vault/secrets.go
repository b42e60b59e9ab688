package vault

import "encoding/json"

func emptySecretsJSON() []byte {
	return []byte("{}")
}

func decodeSecrets(raw []byte) (map[string]Secret, error) {
	secrets := make(map[string]Secret)
	if err := json.Unmarshal(raw, &secrets); err != nil {
		return nil, err
	}
	return secrets, nil
}

func encodeSecrets(secrets map[string]Secret) ([]byte, error) {
	return json.Marshal(secrets)
}
