package mr

import "hash/fnv"

// use ihash(key) % NumReduces to choose the reduce partition for each
// KeyValue emitted by a mapper.
func ihash(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() & 0x7fffffff)
}
