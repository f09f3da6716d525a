package parallel

import (
	"fmt"
	"os"
	"strconv"
	"sync"
)

// Infos is the placement of this process as announced by the launcher
type Infos struct {
	GlobalRank int
	LocalRank  int
	WorldSize  int
}

var (
	envInfos    Infos
	envInfosErr error
	envOnce     sync.Once
)

// InfosFromEnv reads RANK, LOCAL_RANK and WORLD_SIZE. The environment is
// read on the first call only.
func InfosFromEnv() (Infos, error) {
	envOnce.Do(func() {
		envInfos, envInfosErr = readInfos(os.Getenv)
	})
	return envInfos, envInfosErr
}

func readInfos(getenv func(string) string) (Infos, error) {
	values := make(map[string]int, 3)
	for _, key := range []string{"RANK", "LOCAL_RANK", "WORLD_SIZE"} {
		raw := getenv(key)
		if raw == "" {
			return Infos{}, fmt.Errorf("environment variable %s is not set", key)
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return Infos{}, fmt.Errorf("environment variable %s: %w", key, err)
		}
		values[key] = v
	}
	infos := Infos{
		GlobalRank: values["RANK"],
		LocalRank:  values["LOCAL_RANK"],
		WorldSize:  values["WORLD_SIZE"],
	}
	if infos.WorldSize <= 0 || infos.GlobalRank < 0 || infos.GlobalRank >= infos.WorldSize {
		return Infos{}, fmt.Errorf("rank %d outside world of size %d", infos.GlobalRank, infos.WorldSize)
	}
	return infos, nil
}
