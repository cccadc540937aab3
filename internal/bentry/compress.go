package bentry

// This file implements the prefix/suffix key compression the distillation
// dropped: original_source/src/pointer_bentry.h's USE_PREFIX_COMPRESS path
// stores only the differing low-order bytes of each sub-entry's routing key
// and reconstructs full keys against one shared prefix per Entry via its
// prefix_mask/suffix_mask static tables and key(idx, key_prefix) helper.

func prefixMaskFor(bytes int) uint64 {
	if bytes <= 0 {
		return 0
	}
	if bytes >= 8 {
		return ^uint64(0)
	}
	return ^uint64(0) << uint(8*(8-bytes))
}

func suffixMaskFor(bytes int) uint64 {
	if bytes <= 0 {
		return 0
	}
	if bytes >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(8*bytes)) - 1
}

func reconstructKey(prefix, suffix uint64, prefixBytes, suffixBytes int) uint64 {
	return (prefix & prefixMaskFor(prefixBytes)) | (suffix & suffixMaskFor(suffixBytes))
}

func extractSuffix(key uint64, suffixBytes int) uint64 {
	return key & suffixMaskFor(suffixBytes)
}

// commonPrefixBytes returns how many leading bytes are identical across all
// of keys, the byte-granularity equivalent of the original's prefix
// detection (it compresses whole bytes, not individual bits).
func commonPrefixBytes(keys []uint64) int {
	if len(keys) <= 1 {
		return 8
	}
	diff := uint64(0)
	for _, k := range keys[1:] {
		diff |= k ^ keys[0]
	}
	if diff == 0 {
		return 8
	}
	for n := 0; n < 8; n++ {
		shift := uint(8 * (7 - n))
		if (diff>>shift)&0xFF != 0 {
			return n
		}
	}
	return 8
}
