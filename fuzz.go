// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package winunwind

// Fuzz feeds arbitrary bytes through the whole metadata pipeline: the
// buffer serves both as the exception data and as the backing store the
// RVA mapper resolves unwind info from.
func Fuzz(data []byte) int {
	mapper := RvaMapperFunc(func(rva uint32) []byte {
		if uint64(rva) >= uint64(len(data)) {
			return nil
		}
		return data[rva:]
	})

	unwinder := NewSehUnwinderX86_64(data, mapper, 0, nil)
	table, err := NewRuntimeFunctionTable(data)
	if err != nil {
		return 0
	}

	hit := 0
	for i := 0; i < table.Count(); i++ {
		entry := table.Entry(i)
		if entry.EndAddress <= entry.BeginAddress {
			continue
		}
		if _, err := unwinder.RuleForAddress(entry.BeginAddress); err == nil {
			hit = 1
		}
	}
	return hit
}
