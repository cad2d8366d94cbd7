package consolidate

const sameEventInstructions = `You compare two memories recorded from different conversations and decide whether they describe the same real-world event.

Answer {"same_event": true} only when both memories clearly refer to one occurrence: same activity, same participants, compatible times. When in doubt, answer false.

Reply as {"same_event": boolean, "reason": string}.`

const mergeInstructions = `You combine two memories of the same event into one memory.

Write a single account that keeps every concrete detail from both: names, places, times, outcomes. Do not invent details. Keep the voice and tense of the originals.

Reply as {"text": string, "situation": string, "event": string}.`

const separateInstructions = `You rewrite two distinct but similar memories so each is clearly distinguishable from the other.

Keep all facts. Sharpen what makes each memory unique: its time, place, participants, or outcome. Do not blend content between them.

Reply as {"first": {"text": string, "situation": string, "event": string}, "second": {"text": string, "situation": string, "event": string}}.`

const extractInstructions = `You decide whether a memory of an event reveals a stable, long-term fact about the person.

Extract only: identity attributes (job, family, where they live), durable preferences, and recurring habits or interests. A memory marked heavily_used that carries a stable attribute should be extracted. Never extract transient states, one-off plans, or speculation. When uncertain, do not extract.

Reply as {"extract": boolean, "fact": string, "reason": string}. The fact must be a single self-contained sentence.`
