package account

import (
	"encoding/hex"
	"fmt"
	"runtime"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
)

// DevPrivateKeys are the well-known development node keys (anvil, hardhat).
// Never use them outside local devnets.
var DevPrivateKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a",
	"7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6",
	"47e179ec197488593b187f80a00eb0da91f1b9d0b13f8733639f19c30a34926a",
	"8b3a350cf5c34c9194ca85829a2df0ec3153be0318b5e2d3348e872092edffba",
	"92db14e403b83dfe3df233f83dfa3a0d7096f21ca9b0d6d6b8d88b2b4ec1564e",
	"4bbbf85ce3377467afe5d46f804f221813b2bb87f24d81f60f1fcdbf7cbf4356",
	"dbda1821b80551c9d65939329250298aa3472ba22feea921c0cf5d620ea67b97",
	"2a871d0798f97d79848a013d4936a73bf4cc922c825d33c1cf7073dff6d409c6",
}

// DevCredentials returns the first n development keys labelled
// "<prefix>-0" .. "<prefix>-(n-1)".
func DevCredentials(prefix string, n int) ([]Credential, error) {
	if n <= 0 || n > len(DevPrivateKeys) {
		return nil, fmt.Errorf("dev account count must be between 1 and %d, got %d", len(DevPrivateKeys), n)
	}
	creds := make([]Credential, n)
	for i := range creds {
		creds[i] = Credential{
			AccountID:  fmt.Sprintf("%s-%d", prefix, i),
			PrivateKey: DevPrivateKeys[i],
		}
	}
	return creds, nil
}

// Generate creates count random credentials labelled "<prefix>-<i>".
// Key generation is spread across workers.
func Generate(prefix string, count int) ([]Credential, error) {
	if count <= 0 {
		return nil, fmt.Errorf("account count must be positive, got %d", count)
	}
	creds := make([]Credential, count)

	numWorkers := min(runtime.GOMAXPROCS(0), 16)
	workSize := (count + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	errChan := make(chan error, numWorkers)

	for w := 0; w < numWorkers; w++ {
		start := w * workSize
		end := min(start+workSize, count)
		if start >= count {
			break
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				privateKey, err := crypto.GenerateKey()
				if err != nil {
					select {
					case errChan <- fmt.Errorf("key %d: %w", i, err):
					default:
					}
					return
				}
				creds[i] = Credential{
					AccountID:  fmt.Sprintf("%s-%d", prefix, i),
					PrivateKey: hex.EncodeToString(crypto.FromECDSA(privateKey)),
				}
			}
		}(start, end)
	}

	wg.Wait()
	close(errChan)

	if err := <-errChan; err != nil {
		return nil, err
	}
	return creds, nil
}
