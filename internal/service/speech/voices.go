package speech

import "github.com/zhouzirui/edu-avatar/backend/internal/model/speech"

const premadePreviewBase = "https://storage.googleapis.com/eleven-public-prod/premade/voices/"

// PremadeVoices ElevenLabs 账号默认可用的预置音色，拉取音色列表失败时使用
var PremadeVoices = []speech.Voice{
	premade("21m00Tcm4TlvDq8ikWAM", "Rachel", "American", "Female", "Young", "Narration", "df6788f9-5c96-470d-8571-1f25d5f56aca"),
	premade("29vD33N1CtxCmqQRPOHJ", "Drew", "American", "Male", "Middle Aged", "News", "e8b52a3f-9732-440f-b78a-16d5e26407a1"),
	premade("2EiwWnXFnvU5JabPnv8n", "Clyde", "American", "Male", "Middle Aged", "Characters", "65d80f52-703f-4cae-a91d-75d4e200ed02"),
	premade("5Q0t7uMcjvnagumLfvZi", "Paul", "American", "Male", "Middle Aged", "News", "3ce8e81c-4f33-406a-ae1a-8e26bae1e014"),
	premade("AZnzlk1XvdvUeBnXmlld", "Domi", "American", "Female", "Young", "Narration", "69c5373f-0dc2-4efd-9232-a0140182c0a9"),
	premade("CYw3kZ02Hs0563khs1Fj", "Dave", "British-Essex", "Male", "Young", "Conversational", "872cb056-45d3-419e-914c-7c3dc90e7474"),
	premade("EXAVITQu4vr4xnSDxMaL", "Bella", "American", "Female", "Young", "Narration", "04b81273-1276-4684-8c79-2e8e1a2f8822"),
	premade("ErXwobaYiN019PkySvjV", "Antoni", "American", "Male", "Young", "Narration", "38d8f8f0-1122-4333-b323-0b87478d506a"),
	premade("MF3mGyEYCl7XYWbV9V6O", "Elli", "American", "Female", "Young", "Narration", "d8539e7c-b727-4d55-b5eb-8eae8545643c"),
	premade("TxGEqnHWrfWFTfGW9XjX", "Josh", "American", "Male", "Young", "Narration", "1e4b3e97-a7a1-4519-a531-a0a1c2e4e9e0"),
	premade("VR6AewLTigWG4xSOukaG", "Arnold", "American", "Male", "Middle Aged", "Narration", "efd03df8-31e4-4019-8357-4fe0f92d02ee"),
	premade("pNInz6obpgDQGcFmaJgB", "Adam", "American", "Male", "Middle Aged", "Narration", "e0b45450-78db-49b9-aaa4-04082a6d48b4"),
	premade("yoZ06aMxZJJ28mfd3POQ", "Sam", "American", "Male", "Young", "Narration", "b4cde543-0b55-4f36-8e8b-cca6534be2c6"),
	premade("pqHfZKP75CvOlQylNhV4", "Bill", "American", "Male", "Old", "Documentary", "d782b3ff-84ba-4029-848c-acf01285524d"),
	premade("nPczCjzI2devNBz1zQrb", "Brian", "American", "Male", "Middle Aged", "Narration", "0c97abae-c846-462a-ba7a-5e4e78a074eb"),
	premade("onwK4e9ZLuTAKqWW03F9", "Daniel", "British", "Male", "Middle Aged", "News", "2e0ef7ea-24a1-4e22-bd5b-4c2cf52db82c"),
	premade("XB0fDUnXU5powFXDhCwa", "Charlotte", "English-Swedish", "Female", "Young", "Characters", "c3f44162-6599-4942-b5a3-0c39be9dfe99"),
	premade("Xb7hH8MSUJpSbSDYk0k2", "Alice", "British", "Female", "Middle Aged", "News", "d1fb21e9-7e3b-4903-b1bc-c80bc7c63291"),
}

func premade(id, name, accent, gender, age, useCase, preview string) speech.Voice {
	return speech.Voice{
		VoiceID: id,
		Name:    name,
		Labels: map[string]string{
			"accent":   accent,
			"gender":   gender,
			"age":      age,
			"use_case": useCase,
		},
		PreviewURL: premadePreviewBase + id + "/" + preview + ".mp3",
	}
}
