// guide.go - Integrationsanleitung fuer einen Ollama-Fork
package main

const integrationGuide = `
=== Ollama KV Cache Tiering — Integration Guide ===

This project extends Ollama's KV cache with a disk-backed tier and a
paged attention path. When the context window fills up and old tokens
are evicted, the raw K/V tensor data is saved to disk (SSD -> NFS)
instead of being discarded. On later requests with matching prefixes
the data is restored from disk, skipping recomputation. Sequences
longer than pinned host memory stream through the paged attention
pipeline chunk by chunk.

STEPS:

1. Vendor this module into your Ollama fork:

     go mod edit -require github.com/databloom/ollama-kv-cache-tiering@latest

2. Wrap the cache in your model implementation:

     causal := kvcache.NewCausal(numLayers, numKVHeads, headDim)
     causal.Init(ml.DTypeF16, capacity)
     cfg := kvcache.DefaultTieredConfig()
     cfg.Store = store // blockstore.New(...)
     cache := kvcache.NewTieredCausal(causal, cfg)

3. In the runner, call cache.Remove before shifting cache slots and
   cache.RestoreRange after an in-memory prefix match.

4. Initialize the paged attention pool during boot:

     paged.Init(maxContexts)
   and dispatch long-context attention ops through paged.Compute.

5. Run with tiering enabled:

     OLLAMA_KV_TIERING=1 \
     OLLAMA_KV_TIER_LOCAL=/tmp/kv-cache \
     OLLAMA_KV_TIER_REMOTE=/mnt/kv-cache \
     OLLAMA_KV_TIER_LOCAL_GB=20 \
     OLLAMA_KV_TIER_REMOTE_GB=5000 \
     OLLAMA_KV_TIER_COMPRESS=1 \
     ./ollama serve

HOW IT WORKS:

  Normal Ollama flow:
    1. Prompt arrives -> tokenize -> fill KV cache -> generate
    2. Context full -> ShiftCacheSlot -> Remove(oldest half) -> GONE
    3. New prompt -> recompute from scratch if prefix doesn't match

  With tiering:
    1. Prompt arrives -> tokenize -> fill KV cache -> generate
    2. Context full -> snapshot K/V bytes to SSD -> Remove
    3. SSD full -> oldest blocks migrate to NFS
    4. New prompt -> check disk for matching prefix -> restore K/V
    5. Only recompute tokens not found on disk
`
