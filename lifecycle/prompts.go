package lifecycle

const writeInstructions = `You filter conversation turns for long-term memory.

Decide whether the turn contains anything worth remembering about the user: events, decisions, preferences, plans, or facts about their life. Small talk, meta questions about the assistant, and generic requests are not worth writing.

For each memory worth writing, produce one self-contained record. Write text as one complete sentence covering when, who, what and why where known.

Reply as {"write": bool, "records": [{"text": string, "situation": string, "event": string}]}. When write is false, records is empty.`

const usageJudgeInstructions = `You judge which retrieved memories a conversational turn actually used.

A memory counts as used only when answering the query, or the reply when given, depends on information from that memory that the turn itself and the other memories do not contain. Merely sharing a topic is not use.

Reply as {"used_ids": [string]}. When nothing was used, used_ids is empty.`

const manageInstructions = `You maintain a user's episodic memory set against a new conversation turn.

Given the current turn and the existing memories, propose operations:
- add: information in the turn not covered by any existing memory.
- update: an existing memory the turn extends or corrects. Keep prior detail unless corrected.
- delete: an existing memory the turn explicitly invalidates.

Be conservative. When nothing changes, propose no operations.

Reply as {"add": [{"text": string}], "update": [{"id": string, "text": string}], "delete": [{"id": string}]}.`
